// Command relay runs the end-to-end-encrypted message relay: it accepts
// authenticated WebSocket sessions, routes ciphertext between them, and
// serves the key-directory / queue-introspection REST surface over the
// same listener.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/idena-relay/relay/internal/config"
	"github.com/idena-relay/relay/internal/directory"
	"github.com/idena-relay/relay/internal/domain"
	"github.com/idena-relay/relay/internal/httpapi"
	"github.com/idena-relay/relay/internal/metrics"
	"github.com/idena-relay/relay/internal/queue"
	"github.com/idena-relay/relay/internal/registry"
	"github.com/idena-relay/relay/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.New(os.Stdout, "relay", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.New(cfg.MaxPublicKeyBytes, cfg.MaxBatch)
	m := metrics.New()

	mq := queue.New(queue.Config{
		MaxPerUser:      cfg.MaxOfflineMessages,
		Retention:       cfg.MessageRetention,
		PurgeInterval:   cfg.PurgeInterval,
		MaxContentBytes: cfg.MaxMessageContentBytes,
		MaxMessageIDLen: cfg.MaxMessageIDLen,
	}, func(recipient domain.Address, dropped domain.MessageEnvelope) {
		m.MessageDropped()
		logger.Warn("message_head_dropped", telemetry.F("recipient", recipient), telemetry.F("messageId", dropped.MessageID))
	})
	mq.StartPurgeLoop()
	defer mq.Stop()

	reg := registry.New()

	server := httpapi.New(cfg, dir, mq, reg, m, logger, newSessionID)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
	}

	go func() {
		logger.Info("relay_listening", telemetry.F("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen_failed", telemetry.F("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("relay_shutting_down", telemetry.F("timeout_seconds", int(cfg.HTTPShutdownTimeout.Seconds())))

	// Stop accepting new connections first, then signal every live session
	// to CLOSING so each flushes its mailbox within drainDeadline (§5).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_error", telemetry.F("err", err))
	}

	handles := reg.Handles()
	for _, h := range handles {
		h.Displace()
	}
	logger.Info("relay_sessions_signalled_closing", telemetry.F("count", len(handles)))
	time.Sleep(cfg.DrainDeadline)
}

// newSessionID mirrors the reference stack's own id-generation idiom:
// random bytes, hex-encoded, no external UUID dependency.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "sess-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "sess-" + hex.EncodeToString(b[:])
}
