package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/idena-relay/relay/internal/directory"
	"github.com/idena-relay/relay/internal/domain"
	"github.com/idena-relay/relay/internal/relayerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func pathAddress(r *http.Request) (domain.Address, bool) {
	return domain.ParseAddress(mux.Vars(r)["address"])
}

func decodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// --- health & ops surface ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.AggregateStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC(),
		"uptime":         time.Since(s.startedAt).Seconds(),
		"connections":    s.registry.Count(),
		"queuedMessages": stats.TotalQueued,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	s.metrics.WritePrometheus(&b)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	rows := relayerr.Export()
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"code":        row.Code,
			"httpStatus":  row.Meta.HTTPStatus,
			"retryable":   row.Meta.Retryable,
			"kind":        row.Meta.Kind,
			"description": row.Meta.Description,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- key directory ---

type publicKeyRequest struct {
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
}

func (s *Server) handlePublicKeyStore(w http.ResponseWriter, r *http.Request) {
	var req publicKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		relayerr.WriteCode(w, relayerr.MalformedJSON, "could not parse request body")
		return
	}

	addr, ok := domain.ParseAddress(req.Address)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}

	rec, err := s.dir.Store(addr, req.PublicKey)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, rec)
	case directory.ErrPayloadTooLarge:
		relayerr.WriteCode(w, relayerr.PayloadTooLarge, "public key exceeds size cap")
	case directory.ErrInvalidAddress:
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
	default:
		relayerr.WriteCode(w, relayerr.Internal, "internal error")
	}
}

func (s *Server) handlePublicKeyGet(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}
	rec, err := s.dir.Get(addr)
	if err == directory.ErrNotFound {
		relayerr.WriteCode(w, relayerr.NotFound, "no public key stored for address")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePublicKeyDelete(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}
	s.dir.Delete(addr)
	w.WriteHeader(http.StatusNoContent)
}

type batchAddressRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handlePublicKeyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchAddressRequest
	if err := decodeJSONBody(r, &req); err != nil {
		relayerr.WriteCode(w, relayerr.MalformedJSON, "could not parse request body")
		return
	}

	if len(req.Addresses) > s.cfg.MaxBatch {
		relayerr.WriteCode(w, relayerr.BatchTooLarge, "batch exceeds the configured maximum size")
		return
	}

	addrs := make([]domain.Address, 0, len(req.Addresses))
	for _, raw := range req.Addresses {
		if a, ok := domain.ParseAddress(raw); ok {
			addrs = append(addrs, a)
		}
	}

	recs, err := s.dir.GetBatch(addrs)
	if err == directory.ErrBatchTooLarge {
		relayerr.WriteCode(w, relayerr.BatchTooLarge, "batch exceeds the configured maximum size")
		return
	}

	keys := make(map[string]domain.PublicKeyRecord, len(recs))
	for a, rec := range recs {
		keys[string(a)] = rec
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// --- message queue introspection ---

func (s *Server) handleMessagesGet(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.queue.Peek(addr)})
}

func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queueSize": s.queue.Size(addr)})
}

func (s *Server) handleMessagesDelete(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}
	s.queue.Clear(addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.AggregateStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"totalQueued":    stats.TotalQueued,
		"totalAddresses": stats.TotalAddresses,
	})
}

// --- presence / status ---

func (s *Server) handleStatusGet(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(r)
	if !ok {
		relayerr.WriteCode(w, relayerr.InvalidAddress, "address is not canonical")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":   addr,
		"online":    s.registry.Online(addr),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatusBatch(w http.ResponseWriter, r *http.Request) {
	var req batchAddressRequest
	if err := decodeJSONBody(r, &req); err != nil {
		relayerr.WriteCode(w, relayerr.MalformedJSON, "could not parse request body")
		return
	}
	if len(req.Addresses) > s.cfg.MaxBatch {
		relayerr.WriteCode(w, relayerr.BatchTooLarge, "batch exceeds the configured maximum size")
		return
	}

	statuses := make(map[string]bool, len(req.Addresses))
	for _, raw := range req.Addresses {
		a, ok := domain.ParseAddress(raw)
		if !ok {
			continue
		}
		statuses[string(a)] = s.registry.Online(a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Server) handleStatusOnlineAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"addresses": s.registry.OnlineAddresses()})
}
