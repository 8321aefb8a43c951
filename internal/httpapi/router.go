// Package httpapi is the relay's REST and WebSocket upgrade surface
// (§6.3): a gorilla/mux router over the Key Directory, Message Queue,
// Session Registry, and error-code registry, plus the upgrade endpoint
// that hands a connection off to a new session.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/idena-relay/relay/internal/config"
	"github.com/idena-relay/relay/internal/directory"
	"github.com/idena-relay/relay/internal/metrics"
	"github.com/idena-relay/relay/internal/queue"
	"github.com/idena-relay/relay/internal/registry"
	"github.com/idena-relay/relay/internal/telemetry"
)

// Server bundles the stores the handlers act on.
type Server struct {
	cfg      config.Config
	dir      *directory.Directory
	queue    *queue.Queue
	registry *registry.Registry
	metrics  *metrics.Registry
	logger   *telemetry.Logger

	upgrader *websocket.Upgrader

	startedAt time.Time
	sessionID func() string
}

// New constructs a Server. sessionID generates an id for each upgraded
// connection (see cmd/relay for its wiring). The upgrader's CheckOrigin is
// bound here, once, rather than on each request: Upgrader is shared across
// every request goroutine and isn't safe to mutate concurrently.
func New(cfg config.Config, dir *directory.Directory, q *queue.Queue, reg *registry.Registry, m *metrics.Registry, logger *telemetry.Logger, sessionID func() string) *Server {
	s := &Server{
		cfg:       cfg,
		dir:       dir,
		queue:     q,
		registry:  reg,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
		sessionID: sessionID,
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router builds the full handler chain: middleware wrapping a mux.Router
// carrying every §6.3 route plus the WebSocket upgrade at §6.1's path.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleUpgrade).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/errors", s.handleErrors).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/api/public-keys", s.handlePublicKeyStore).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/public-keys/batch", s.handlePublicKeyBatch).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/public-keys/{address}", s.handlePublicKeyGet).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/public-keys/{address}", s.handlePublicKeyDelete).Methods(http.MethodDelete, http.MethodOptions)

	r.HandleFunc("/api/messages/stats/all", s.handleMessageStats).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/messages/{address}/queue-size", s.handleQueueSize).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/messages/{address}", s.handleMessagesGet).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/messages/{address}", s.handleMessagesDelete).Methods(http.MethodDelete, http.MethodOptions)

	r.HandleFunc("/api/status/online/all", s.handleStatusOnlineAll).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/api/status/batch", s.handleStatusBatch).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/api/status/{address}", s.handleStatusGet).Methods(http.MethodGet, http.MethodOptions)

	var handler http.Handler = r
	handler = s.withMetrics(handler)
	handler = requestLoggingMiddleware(s.logger, handler)
	handler = withCORS(s.cfg.AllowedOrigins, handler)
	handler = withBodyLimit(s.cfg.MaxBodyBytes, handler)
	handler = recoverer(s.logger, handler)
	return handler
}
