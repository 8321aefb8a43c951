package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/idena-relay/relay/internal/relayerr"
	"github.com/idena-relay/relay/internal/telemetry"
)

// statusRecorder captures the status code a downstream handler wrote, so
// the logging and metrics middleware can observe it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the wrapped writer so the WebSocket upgrade
// can take over the connection behind this recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	return h.Hijack()
}

func requestLoggingMiddleware(logger *telemetry.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Info("http_request",
			telemetry.F("method", r.Method),
			telemetry.F("path", r.URL.Path),
			telemetry.F("status", rec.status),
			telemetry.F("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequest(rec.status)
		}
	})
}

// withCORS mirrors the upgrade path's origin policy onto the REST
// surface so both honor the same ALLOWED_ORIGINS configuration.
func withCORS(allowed []string, next http.Handler) http.Handler {
	allowAny := len(allowed) == 1 && allowed[0] == "*"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAny {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && originAllowed(origin, allowed) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// withBodyLimit caps request bodies at maxBytes (§4.5): a handler's
// json.Decode fails once it reads past the cap, and the handler rejects
// the request.
func withBodyLimit(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// recoverer converts a panicking handler into a 500 instead of taking
// down the listener goroutine.
func recoverer(logger *telemetry.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("http_handler_panic", telemetry.F("path", r.URL.Path), telemetry.F("recover", rec))
				relayerr.WriteCode(w, relayerr.Internal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
