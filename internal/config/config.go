// Package config loads the relay's runtime configuration from environment
// variables exactly once at startup (§6.4). There is no file or tenant
// layering: every recognized key maps directly to one Config field.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/idena-relay/relay/internal/telemetry"
)

// Config is the immutable set of options read at process start and passed
// down to every component by constructor injection.
type Config struct {
	Port int

	AllowedOrigins []string // CORS / WS origin allowlist; ["*"] means any

	MaxOfflineMessages int           // §4.2 maxPerUser
	MessageRetention   time.Duration // §4.2 retention
	PurgeInterval      time.Duration // §4.2 purge timer

	AuthTimeout        time.Duration
	IdleTimeout        time.Duration
	MailboxCapacity    int
	MailboxSendTimeout time.Duration
	DrainDeadline      time.Duration

	MaxBatch              int
	MaxPublicKeyBytes     int
	MaxMessageContentBytes int
	MaxMessageIDLen       int

	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPShutdownTimeout time.Duration
	MaxBodyBytes        int64

	LogLevel  telemetry.Level
	LogFormat telemetry.Format
}

// Load reads every recognized environment variable, applying the spec's
// defaults for anything unset.
func Load() Config {
	return Config{
		Port: getenvInt("PORT", 3002),

		AllowedOrigins: getenvCSV("ALLOWED_ORIGINS", []string{"*"}),

		MaxOfflineMessages: getenvInt("MAX_OFFLINE_MESSAGES", 1000),
		MessageRetention:   getenvHours("MESSAGE_RETENTION_HOURS", 168*time.Hour),
		PurgeInterval:      getenvSeconds("PURGE_INTERVAL_SECONDS", time.Hour),

		AuthTimeout:        getenvSeconds("AUTH_TIMEOUT_SECONDS", 10*time.Second),
		IdleTimeout:        getenvSeconds("IDLE_TIMEOUT_SECONDS", 60*time.Second),
		MailboxCapacity:    getenvInt("MAILBOX_CAPACITY", 256),
		MailboxSendTimeout: getenvMillis("MAILBOX_SEND_TIMEOUT_MS", 100*time.Millisecond),
		DrainDeadline:      getenvMillis("DRAIN_DEADLINE_MS", time.Second),

		MaxBatch:               getenvInt("MAX_BATCH", 100),
		MaxPublicKeyBytes:       getenvInt("MAX_PUBLIC_KEY_BYTES", 4*1024),
		MaxMessageContentBytes:  getenvInt("MAX_MESSAGE_CONTENT_BYTES", 64*1024),
		MaxMessageIDLen:         getenvInt("MAX_MESSAGE_ID_LEN", 128),

		HTTPReadTimeout:     getenvSeconds("HTTP_READ_TIMEOUT_SECONDS", 10*time.Second),
		HTTPWriteTimeout:    getenvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 10*time.Second),
		HTTPShutdownTimeout: getenvSeconds("HTTP_SHUTDOWN_TIMEOUT_SECONDS", 10*time.Second),
		MaxBodyBytes:        int64(getenvInt("MAX_BODY_BYTES", 1024*1024)),

		LogLevel:  telemetry.Level(strings.ToLower(getenv("LOG_LEVEL", "info"))),
		LogFormat: telemetry.Format(strings.ToLower(getenv("LOG_FORMAT", "json"))),
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvCSV(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if v == "*" {
		return []string{"*"}
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	n := getenvInt(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func getenvMillis(key string, def time.Duration) time.Duration {
	n := getenvInt(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func getenvHours(key string, def time.Duration) time.Duration {
	n := getenvInt(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Hour
}
