package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/idena-relay/relay/internal/config"
	"github.com/idena-relay/relay/internal/directory"
	"github.com/idena-relay/relay/internal/domain"
	"github.com/idena-relay/relay/internal/metrics"
	"github.com/idena-relay/relay/internal/queue"
	"github.com/idena-relay/relay/internal/registry"
	"github.com/idena-relay/relay/internal/telemetry"
)

const alice = domain.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Config{
		AllowedOrigins:         []string{"*"},
		MaxBatch:               10,
		MaxPublicKeyBytes:      1024,
		MaxBodyBytes:           1024 * 1024,
		MaxMessageContentBytes: 1024,
		MaxMessageIDLen:        64,
	}
	dir := directory.New(cfg.MaxPublicKeyBytes, cfg.MaxBatch)
	mq := queue.New(queue.Config{}, nil)
	reg := registry.New()
	m := metrics.New()
	logger := telemetry.New(nil, "relay-test", telemetry.LevelError, telemetry.FormatJSON)
	n := 0
	return New(cfg, dir, mq, reg, m, logger, func() string { n++; return "sess" })
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestPublicKeyStoreGetDelete(t *testing.T) {
	s := testServer(t)
	router := s.Router()

	rec := doRequest(t, router, http.MethodPost, "/api/public-keys", publicKeyRequest{
		Address: string(alice), PublicKey: "pk-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("store: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/api/public-keys/"+string(alice), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var rec1 domain.PublicKeyRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &rec1)
	if rec1.PublicKey != "pk-1" {
		t.Fatalf("expected pk-1, got %q", rec1.PublicKey)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/public-keys/"+string(alice), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/public-keys/"+string(alice), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestPublicKeyStoreInvalidAddress(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/public-keys", publicKeyRequest{
		Address: "not-an-address", PublicKey: "pk",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMessageQueueIntrospection(t *testing.T) {
	s := testServer(t)
	s.queue.Enqueue(domain.MessageEnvelope{MessageID: "m1", From: alice, To: alice, Content: "hi", Timestamp: 1})

	rec := doRequest(t, s.Router(), http.MethodGet, "/api/messages/"+string(alice)+"/queue-size", nil)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["queueSize"].(float64) != 1 {
		t.Fatalf("expected queueSize 1, got %v", body["queueSize"])
	}

	rec = doRequest(t, s.Router(), http.MethodDelete, "/api/messages/"+string(alice), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doRequest(t, s.Router(), http.MethodGet, "/api/messages/"+string(alice)+"/queue-size", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["queueSize"].(float64) != 0 {
		t.Fatalf("expected queueSize 0 after clear, got %v", body["queueSize"])
	}
}

func TestStatusEndpoints(t *testing.T) {
	s := testServer(t)

	rec := doRequest(t, s.Router(), http.MethodGet, "/api/status/"+string(alice), nil)
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["online"] != false {
		t.Fatalf("expected offline, got %v", body["online"])
	}

	rec = doRequest(t, s.Router(), http.MethodGet, "/api/status/online/all", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestErrorsEndpointListsCodes(t *testing.T) {
	s := testServer(t)
	rec := doRequest(t, s.Router(), http.MethodGet, "/api/errors", nil)
	var rows []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("expected a non-empty error registry export")
	}
}

func TestBodySizeLimitRejectsOversizedRequest(t *testing.T) {
	cfg := config.Config{
		AllowedOrigins:    []string{"*"},
		MaxBatch:          10,
		MaxPublicKeyBytes: 1024,
		MaxBodyBytes:      16,
	}
	dir := directory.New(cfg.MaxPublicKeyBytes, cfg.MaxBatch)
	mq := queue.New(queue.Config{}, nil)
	reg := registry.New()
	m := metrics.New()
	logger := telemetry.New(nil, "relay-test", telemetry.LevelError, telemetry.FormatJSON)
	s := New(cfg, dir, mq, reg, m, logger, func() string { return "s" })

	big := make([]byte, 4096)
	rec := doRequest(t, s.Router(), http.MethodPost, "/api/public-keys", publicKeyRequest{
		Address: string(alice), PublicKey: string(big),
	})
	if rec.Code == http.StatusOK {
		t.Fatalf("expected oversized body to be rejected, got 200")
	}
}
