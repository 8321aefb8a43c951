package httpapi

import (
	"net/http"

	"github.com/idena-relay/relay/internal/session"
	"github.com/idena-relay/relay/internal/telemetry"
)

// handleUpgrade promotes an HTTP request to a WebSocket connection and
// hands it to a new Session, which owns the connection for its lifetime.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", telemetry.F("remote", r.RemoteAddr), telemetry.F("err", err))
		return
	}

	id := s.sessionID()
	sessCfg := session.Config{
		AuthTimeout:        s.cfg.AuthTimeout,
		IdleTimeout:        s.cfg.IdleTimeout,
		MailboxCapacity:    s.cfg.MailboxCapacity,
		MailboxSendTimeout: s.cfg.MailboxSendTimeout,
		DrainDeadline:      s.cfg.DrainDeadline,
		MaxContentBytes:    s.cfg.MaxMessageContentBytes,
		MaxMessageIDLen:    s.cfg.MaxMessageIDLen,
	}
	sess := session.New(id, c, sessCfg, s.registry, s.queue, s.metrics, s.logger)
	sess.Run()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return originAllowed(origin, s.cfg.AllowedOrigins)
}
