// Package session is the Session Manager (§4.4): it owns one client
// connection end to end, drives the auth/heartbeat/close state machine,
// and is the single writer of that connection's socket. All cross-session
// sends to it go through its Mailbox.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/idena-relay/relay/internal/domain"
	"github.com/idena-relay/relay/internal/metrics"
	"github.com/idena-relay/relay/internal/queue"
	"github.com/idena-relay/relay/internal/registry"
	"github.com/idena-relay/relay/internal/telemetry"
)

// State is the session's position in the §4.4 state machine.
type State int32

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is the subset of *websocket.Conn the session needs; it exists so
// tests can substitute a fake connection.
type conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Config bundles the timers and caps a session needs (§5, §6.4).
type Config struct {
	AuthTimeout        time.Duration
	IdleTimeout        time.Duration
	MailboxCapacity    int
	MailboxSendTimeout time.Duration
	DrainDeadline      time.Duration
	MaxContentBytes    int
	MaxMessageIDLen    int
}

// Session owns one client connection. It implements registry.Handle.
type Session struct {
	id   string
	conn conn
	cfg  Config

	registry *registry.Registry
	queue    *queue.Queue
	metrics  *metrics.Registry
	logger   *telemetry.Logger

	mailbox *Mailbox

	state   atomic.Int32
	address atomic.Value // domain.Address

	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

// New constructs a session bound to an already-upgraded connection. Run
// must be called to drive it.
func New(id string, c conn, cfg Config, reg *registry.Registry, mq *queue.Queue, m *metrics.Registry, logger *telemetry.Logger) *Session {
	s := &Session{
		id:       id,
		conn:     c,
		cfg:      cfg,
		registry: reg,
		queue:    mq,
		metrics:  m,
		logger:   logger,
		mailbox:  NewMailbox(cfg.MailboxCapacity),
	}
	s.state.Store(int32(StateConnected))
	return s
}

// Address implements registry.Handle. Returns "" before auth succeeds.
func (s *Session) Address() domain.Address {
	a, _ := s.address.Load().(domain.Address)
	return a
}

func (s *Session) State() State { return State(s.state.Load()) }

// Displace implements registry.Handle: a newer session for this address
// has just been registered. Stop accepting outbound traffic and close
// promptly.
func (s *Session) Displace() {
	s.beginClose()
}

// Post delivers frame bytes to this session's outbound mailbox, subject
// to the configured send timeout. Returns false on congestion or if the
// session is no longer accepting traffic.
func (s *Session) Post(frame []byte) bool {
	if State(s.state.Load()) != StateAuthenticated {
		return false
	}
	return s.mailbox.Post(frame, s.cfg.MailboxSendTimeout)
}

// beginClose transitions CONNECTED|AUTHENTICATED -> CLOSING exactly once,
// closing the mailbox and the underlying socket so any blocked Read/Write
// unblocks with an error.
func (s *Session) beginClose() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.mailbox.Close()
		_ = s.conn.Close()
	})
}

// Run drives the session to completion: auth, then the authenticated
// read loop, then a bounded drain and teardown. It returns once the
// session has reached CLOSED.
func (s *Session) Run() {
	defer s.finish()

	addr, ok := s.awaitAuth()
	if !ok {
		return
	}

	s.address.Store(addr)
	s.sendAuthSuccess(addr)
	// A failed auth_success write has already moved the session to CLOSING.
	s.state.CompareAndSwap(int32(StateConnected), int32(StateAuthenticated))

	if displaced, wasDisplaced := s.registry.Register(addr, s); wasDisplaced {
		s.logger.Info("session_displaced_prior", telemetry.F("address", addr), telemetry.F("prior_session", fmtHandle(displaced)))
	}
	if s.metrics != nil {
		s.metrics.SessionConnected()
	}

	s.drainQueuedMessages(addr)

	s.writerWG.Add(1)
	go s.writerLoop()

	s.readLoop(addr)
}

func fmtHandle(h registry.Handle) string {
	if h == nil {
		return ""
	}
	return string(h.Address())
}

// awaitAuth blocks for the first frame, enforcing authTimeout. It returns
// ok=false on any failure; on a timeout or an invalid first frame it also
// sends an error frame (best effort), while any other read error sends none.
func (s *Session) awaitAuth() (domain.Address, bool) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.sendErrorBestEffort("protocol.auth_timeout", "auth frame did not arrive in time")
		}
		return "", false
	}

	f, err := decodeInbound(raw)
	if err != nil || f.Type != "auth" {
		s.sendErrorBestEffort("validation.invalid_request", "first frame must be auth")
		return "", false
	}

	addr, valid := domain.ParseAddress(f.Address)
	if !valid {
		s.sendErrorBestEffort("validation.invalid_address", "address is not canonical")
		return "", false
	}
	return addr, true
}

func (s *Session) sendAuthSuccess(addr domain.Address) {
	b, _ := encode(authSuccessFrame{Type: "auth_success", Address: string(addr), Timestamp: nowMillis()})
	_ = s.writeDirect(b)
}

// drainQueuedMessages forwards every non-expired queued envelope for addr
// in enqueue order. Frames other sessions post meanwhile wait in the
// mailbox, which the writer loop only starts reading after this returns,
// so they reach the client after the drained ones (§4.4).
func (s *Session) drainQueuedMessages(addr domain.Address) {
	envelopes := s.queue.Drain(addr)
	for _, env := range envelopes {
		b, _ := encode(messageFrame{
			Type:      "message",
			From:      string(env.From),
			Content:   env.Content,
			MessageID: env.MessageID,
			Timestamp: env.Timestamp,
			Queued:    true,
		})
		_ = s.writeDirect(b)
		if s.metrics != nil {
			s.metrics.MessageDrainedDelivered()
		}
	}
}

// writeDirect writes straight to the connection. Only valid before the
// writer goroutine starts (auth_success, drained messages) or from within
// the writer goroutine itself; never called concurrently with writerLoop.
func (s *Session) writeDirect(b []byte) error {
	err := s.conn.WriteMessage(websocket.TextMessage, b)
	if err != nil {
		s.beginClose()
	}
	return err
}

// writerLoop is the session's single writer: it owns the connection's
// write side exclusively (§5).
func (s *Session) writerLoop() {
	defer s.writerWG.Done()
	for {
		select {
		case frame := <-s.mailbox.Recv():
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.beginClose()
				return
			}
		case <-s.mailbox.Closed():
			s.flushMailbox()
			return
		}
	}
}

// flushMailbox makes a best-effort attempt to write out anything already
// buffered when the mailbox closes, bounded by drainDeadline.
func (s *Session) flushMailbox() {
	deadline := time.Now().Add(s.cfg.DrainDeadline)
	for _, frame := range s.mailbox.Drain() {
		if time.Now().After(deadline) {
			return
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// readLoop is the AUTHENTICATED-state frame dispatcher. It runs until the
// connection errors, the idle timer expires, or a protocol violation
// occurs.
func (s *Session) readLoop(addr domain.Address) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.beginClose()
			return
		}

		f, err := decodeInbound(raw)
		if err != nil {
			s.sendErrorBestEffort("validation.malformed_json", "could not parse frame")
			continue
		}

		switch f.Type {
		case "auth":
			s.sendErrorBestEffort("protocol.duplicate_auth", "already authenticated")
			s.beginClose()
			return
		case "message":
			s.handleMessage(addr, f)
		case "typing":
			s.handleTyping(addr, f)
		case "read_receipt":
			s.handleReadReceipt(addr, f)
		case "ping":
			s.handlePing()
		default:
			s.logger.Debug("ignored_unknown_frame_type", telemetry.F("type", f.Type), telemetry.F("address", addr))
		}
	}
}

func (s *Session) handleMessage(from domain.Address, f inboundFrame) {
	to, valid := domain.ParseAddress(f.To)
	if !valid {
		s.sendErrorBestEffort("validation.invalid_address", "to is not a canonical address")
		return
	}
	if f.MessageID == "" || len(f.MessageID) > s.cfg.MaxMessageIDLen {
		s.sendErrorBestEffort("validation.invalid_request", "messageId missing or too long")
		return
	}
	if len(f.Content) > s.cfg.MaxContentBytes {
		s.sendErrorBestEffort("validation.payload_too_large", "content exceeds size cap")
		return
	}

	env := domain.MessageEnvelope{
		MessageID: f.MessageID,
		From:      from,
		To:        to,
		Content:   f.Content,
		Timestamp: f.Timestamp,
	}

	delivered := false
	if recipient, ok := s.registry.Lookup(to); ok {
		outFrame, _ := encode(messageFrame{
			Type:      "message",
			From:      string(from),
			Content:   env.Content,
			MessageID: env.MessageID,
			Timestamp: env.Timestamp,
			Queued:    false,
		})
		if poster, ok := recipient.(interface{ Post([]byte) bool }); ok {
			delivered = poster.Post(outFrame)
		}
	}

	if delivered {
		if s.metrics != nil {
			s.metrics.MessageRoutedLive()
		}
		b, _ := encode(deliveredFrame{Type: "delivered", MessageID: env.MessageID, To: string(to), Timestamp: nowMillis()})
		_ = s.Post(b)
		return
	}

	// Recipient absent, or present but congested: either way, queue it.
	s.queue.Enqueue(env)
	if s.metrics != nil {
		s.metrics.MessageQueued()
	}
	b, _ := encode(queuedFrame{Type: "queued", MessageID: env.MessageID, To: string(to), Timestamp: nowMillis()})
	_ = s.Post(b)
}

func (s *Session) handleTyping(from domain.Address, f inboundFrame) {
	to, valid := domain.ParseAddress(f.To)
	if !valid {
		return
	}
	recipient, ok := s.registry.Lookup(to)
	if !ok {
		return
	}
	isTyping := f.IsTyping != nil && *f.IsTyping
	b, _ := encode(typingFrame{Type: "typing", From: string(from), IsTyping: isTyping})
	if poster, ok := recipient.(interface{ Post([]byte) bool }); ok {
		poster.Post(b)
	}
}

func (s *Session) handleReadReceipt(from domain.Address, f inboundFrame) {
	to, valid := domain.ParseAddress(f.To)
	if !valid {
		return
	}
	recipient, ok := s.registry.Lookup(to)
	if !ok {
		return
	}
	b, _ := encode(readFrame{Type: "read", From: string(from), MessageID: f.MessageID, Timestamp: nowMillis()})
	if poster, ok := recipient.(interface{ Post([]byte) bool }); ok {
		poster.Post(b)
	}
}

func (s *Session) handlePing() {
	b, _ := encode(pongFrame{Type: "pong", Timestamp: nowMillis()})
	_ = s.Post(b)
}

func (s *Session) sendErrorBestEffort(code, msg string) {
	b, _ := encode(errorFrame{Type: "error", Code: code, Message: msg})
	if State(s.state.Load()) == StateAuthenticated {
		s.Post(b)
		return
	}
	_ = s.writeDirect(b)
}

// finish performs the CLOSING -> CLOSED teardown: ensure the mailbox and
// socket are closed, wait for the writer to finish flushing, unregister
// (identity-checked), and mark CLOSED.
func (s *Session) finish() {
	s.beginClose()
	s.writerWG.Wait()

	addr := s.Address()
	if addr != "" {
		s.registry.Unregister(addr, s)
		if s.metrics != nil {
			s.metrics.SessionDisconnected()
		}
	}

	s.state.Store(int32(StateClosed))
}

func nowMillis() int64 { return time.Now().UnixMilli() }
