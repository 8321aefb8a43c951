// Package metrics is the relay's minimal in-process counter set, exposed
// in Prometheus text exposition format at GET /metrics alongside the
// cheap external health probe at GET /health.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Registry holds the relay's operational counters. All fields are safe
// for concurrent use.
type Registry struct {
	connectionsOnline   atomic.Int64
	messagesRoutedLive  atomic.Uint64
	messagesQueued      atomic.Uint64
	messagesDropped     atomic.Uint64
	messagesDelivered   atomic.Uint64
	httpRequestsTotal   atomic.Uint64
	httpRequests4xx     atomic.Uint64
	httpRequests5xx     atomic.Uint64
}

func New() *Registry { return &Registry{} }

func (r *Registry) SessionConnected()    { r.connectionsOnline.Add(1) }
func (r *Registry) SessionDisconnected() { r.connectionsOnline.Add(-1) }
func (r *Registry) MessageRoutedLive()   { r.messagesRoutedLive.Add(1) }
func (r *Registry) MessageQueued()       { r.messagesQueued.Add(1) }
func (r *Registry) MessageDropped()      { r.messagesDropped.Add(1) }
func (r *Registry) MessageDrainedDelivered() { r.messagesDelivered.Add(1) }

func (r *Registry) HTTPRequest(status int) {
	r.httpRequestsTotal.Add(1)
	switch {
	case status >= 500:
		r.httpRequests5xx.Add(1)
	case status >= 400:
		r.httpRequests4xx.Add(1)
	}
}

// ConnectionsOnline returns the current online-connections gauge. GET
// /health does not read it; it reports the Session Registry's count.
func (r *Registry) ConnectionsOnline() int64 { return r.connectionsOnline.Load() }

// WritePrometheus renders the registry as Prometheus text exposition
// format.
func (r *Registry) WritePrometheus(b *strings.Builder) {
	gauge := func(name string, v int64) {
		fmt.Fprintf(b, "# TYPE %s gauge\n%s %d\n", name, name, v)
	}
	counter := func(name string, v uint64) {
		fmt.Fprintf(b, "# TYPE %s counter\n%s %d\n", name, name, v)
	}

	gauge("relay_connections_online", r.connectionsOnline.Load())
	counter("relay_messages_routed_live_total", r.messagesRoutedLive.Load())
	counter("relay_messages_queued_total", r.messagesQueued.Load())
	counter("relay_messages_dropped_total", r.messagesDropped.Load())
	counter("relay_messages_drained_delivered_total", r.messagesDelivered.Load())
	counter("relay_http_requests_total", r.httpRequestsTotal.Load())
	counter("relay_http_requests_4xx_total", r.httpRequests4xx.Load())
	counter("relay_http_requests_5xx_total", r.httpRequests5xx.Load())
}
