// Package relayerr is the relay's stable error-code registry: every
// validation failure, protocol violation, and internal fault the relay can
// produce is assigned one Code up front, with metadata describing how it
// should surface on the wire (HTTP status, retryability, broad kind). Both
// the WebSocket error frame and the HTTP error envelope are driven off this
// one table instead of ad hoc strings scattered through handlers.
package relayerr

import "sort"

// Code is a stable identifier shared by the WebSocket and HTTP surfaces.
// Once published, codes should be treated as API-stable.
type Code string

// CodeMeta describes how a Code should be surfaced.
type CodeMeta struct {
	HTTPStatus  int    `json:"httpStatus"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // validation|protocol|congestion|internal
	Description string `json:"description"`
}

// ---- validation ----
const (
	InvalidAddress    Code = "validation.invalid_address"
	PayloadTooLarge   Code = "validation.payload_too_large"
	InvalidRequest    Code = "validation.invalid_request"
	MalformedJSON     Code = "validation.malformed_json"
	BatchTooLarge     Code = "validation.batch_too_large"
	NotFound          Code = "validation.not_found"
)

// ---- protocol ----
const (
	ProtocolDuplicateAuth  Code = "protocol.duplicate_auth"
	ProtocolAuthRequired   Code = "protocol.auth_required"
	ProtocolAuthTimeout    Code = "protocol.auth_timeout"
)

// ---- congestion (informational; never surfaced as an HTTP error) ----
const (
	CongestionMailboxFull Code = "congestion.mailbox_full"
)

// ---- internal ----
const (
	Internal Code = "internal.unexpected"
)

var registry = map[Code]CodeMeta{
	InvalidAddress:  {HTTPStatus: 400, Retryable: false, Kind: "validation", Description: "address is not a canonical 0x-prefixed 40 hex char string"},
	PayloadTooLarge: {HTTPStatus: 413, Retryable: false, Kind: "validation", Description: "payload exceeds the configured size cap"},
	InvalidRequest:  {HTTPStatus: 400, Retryable: false, Kind: "validation", Description: "request body failed validation"},
	MalformedJSON:   {HTTPStatus: 400, Retryable: false, Kind: "validation", Description: "request body is not valid JSON"},
	BatchTooLarge:   {HTTPStatus: 400, Retryable: false, Kind: "validation", Description: "batch exceeds the configured maximum size"},
	NotFound:        {HTTPStatus: 404, Retryable: false, Kind: "validation", Description: "resource not found"},

	ProtocolDuplicateAuth: {HTTPStatus: 400, Retryable: false, Kind: "protocol", Description: "auth frame received on an already-authenticated session"},
	ProtocolAuthRequired:  {HTTPStatus: 400, Retryable: false, Kind: "protocol", Description: "frame received before authentication"},
	ProtocolAuthTimeout:   {HTTPStatus: 408, Retryable: true, Kind: "protocol", Description: "auth frame did not arrive before the timeout"},

	CongestionMailboxFull: {HTTPStatus: 429, Retryable: true, Kind: "congestion", Description: "recipient outbound mailbox is full"},

	Internal: {HTTPStatus: 500, Retryable: true, Kind: "internal", Description: "unexpected internal error"},
}

// Meta returns the metadata registered for code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

// Known reports whether code is registered.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes, sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportRow is the shape returned by Export for the /api/errors endpoint.
type ExportRow struct {
	Code Code     `json:"code"`
	Meta CodeMeta `json:"meta"`
}

// Export returns the full registry as a stable, sorted slice.
func Export() []ExportRow {
	codes := List()
	rows := make([]ExportRow, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, ExportRow{Code: c, Meta: registry[c]})
	}
	return rows
}
