package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/idena-relay/relay/internal/domain"
	"github.com/idena-relay/relay/internal/queue"
	"github.com/idena-relay/relay/internal/registry"
	"github.com/idena-relay/relay/internal/telemetry"
)

const alice = domain.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
const bob = domain.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

var errClosed = errors.New("fakeConn: closed")

// fakeConn is an in-memory stand-in for *websocket.Conn: inbound frames
// are queued by the test on a channel, outbound frames are captured for
// assertion.
type fakeConn struct {
	inbox chan []byte

	mu     sync.Mutex
	outbox [][]byte
	closed bool
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{inbox: make(chan []byte, 16)}
	for _, f := range frames {
		c.inbox <- []byte(f)
	}
	return c
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	f, ok := <-c.inbox
	if !ok {
		return 0, nil, errClosed
	}
	return 1, f, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	cp := append([]byte(nil), data...)
	c.outbox = append(c.outbox, cp)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbox)
	return nil
}

func (c *fakeConn) push(frame string) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.inbox <- []byte(frame)
}

func (c *fakeConn) snapshotOutbox() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.outbox))
	copy(out, c.outbox)
	return out
}

func testConfig() Config {
	return Config{
		AuthTimeout:        time.Second,
		IdleTimeout:        time.Second,
		MailboxCapacity:    8,
		MailboxSendTimeout: 100 * time.Millisecond,
		DrainDeadline:      50 * time.Millisecond,
		MaxContentBytes:    1024,
		MaxMessageIDLen:    64,
	}
}

func newTestSession(id string, c conn, reg *registry.Registry, mq *queue.Queue) *Session {
	logger := telemetry.New(nil, "relay-test", telemetry.LevelError, telemetry.FormatJSON)
	return New(id, c, testConfig(), reg, mq, nil, logger)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSessionAuthSuccessAndRegistration(t *testing.T) {
	reg := registry.New()
	mq := queue.New(queue.Config{}, nil)

	c := newFakeConn(`{"type":"auth","address":"` + string(alice) + `"}`)
	s := newTestSession("s1", c, reg, mq)

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	waitFor(t, time.Second, func() bool { return s.State() == StateAuthenticated })

	if got, ok := reg.Lookup(alice); !ok || got != registry.Handle(s) {
		t.Fatalf("expected session registered under alice")
	}

	var sawAuthSuccess bool
	waitFor(t, time.Second, func() bool {
		for _, raw := range c.snapshotOutbox() {
			var f map[string]any
			_ = json.Unmarshal(raw, &f)
			if f["type"] == "auth_success" {
				sawAuthSuccess = true
				return true
			}
		}
		return false
	})
	if !sawAuthSuccess {
		t.Fatalf("expected auth_success frame")
	}

	c.Close()
	<-done
	if s.State() != StateClosed {
		t.Fatalf("expected CLOSED after connection close, got %s", s.State())
	}
	if reg.Online(alice) {
		t.Fatalf("expected unregister on teardown")
	}
}

func TestSessionInvalidFirstFrameRejected(t *testing.T) {
	reg := registry.New()
	mq := queue.New(queue.Config{}, nil)

	c := newFakeConn(`{"type":"message"}`)
	s := newTestSession("s1", c, reg, mq)

	done := make(chan struct{})
	go func() { s.Run(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return promptly on invalid auth frame")
	}
	if s.State() == StateAuthenticated {
		t.Fatalf("session should never have reached AUTHENTICATED")
	}
}

func TestSessionDrainsQueuedMessagesOnAuth(t *testing.T) {
	reg := registry.New()
	mq := queue.New(queue.Config{}, nil)
	mq.Enqueue(domain.MessageEnvelope{MessageID: "m1", From: bob, To: alice, Content: "hi", Timestamp: 1})

	c := newFakeConn(`{"type":"auth","address":"` + string(alice) + `"}`)
	s := newTestSession("s1", c, reg, mq)
	go s.Run()

	waitFor(t, time.Second, func() bool {
		for _, raw := range c.snapshotOutbox() {
			var f map[string]any
			_ = json.Unmarshal(raw, &f)
			if f["type"] == "message" && f["queued"] == true {
				return true
			}
		}
		return false
	})

	c.Close()
}

func TestSessionRoutesLiveMessageToRegisteredRecipient(t *testing.T) {
	reg := registry.New()
	mq := queue.New(queue.Config{}, nil)

	bobConn := newFakeConn(`{"type":"auth","address":"` + string(bob) + `"}`)
	bobSess := newTestSession("bob", bobConn, reg, mq)
	go bobSess.Run()
	waitFor(t, time.Second, func() bool { return bobSess.State() == StateAuthenticated })

	aliceConn := newFakeConn(`{"type":"auth","address":"` + string(alice) + `"}`)
	aliceSess := newTestSession("alice", aliceConn, reg, mq)
	go aliceSess.Run()
	waitFor(t, time.Second, func() bool { return aliceSess.State() == StateAuthenticated })

	aliceConn.push(`{"type":"message","to":"` + string(bob) + `","content":"hey","messageId":"m1","timestamp":1}`)

	waitFor(t, time.Second, func() bool {
		for _, raw := range bobConn.snapshotOutbox() {
			var f map[string]any
			_ = json.Unmarshal(raw, &f)
			if f["type"] == "message" && f["messageId"] == "m1" {
				return true
			}
		}
		return false
	})

	waitFor(t, time.Second, func() bool {
		for _, raw := range aliceConn.snapshotOutbox() {
			var f map[string]any
			_ = json.Unmarshal(raw, &f)
			if f["type"] == "delivered" && f["messageId"] == "m1" {
				return true
			}
		}
		return false
	})

	aliceConn.Close()
	bobConn.Close()
}

func TestSessionDisplacementClosesPriorConnection(t *testing.T) {
	reg := registry.New()
	mq := queue.New(queue.Config{}, nil)

	c1 := newFakeConn(`{"type":"auth","address":"` + string(alice) + `"}`)
	s1 := newTestSession("s1", c1, reg, mq)
	done1 := make(chan struct{})
	go func() { s1.Run(); close(done1) }()
	waitFor(t, time.Second, func() bool { return s1.State() == StateAuthenticated })

	c2 := newFakeConn(`{"type":"auth","address":"` + string(alice) + `"}`)
	s2 := newTestSession("s2", c2, reg, mq)
	go s2.Run()
	waitFor(t, time.Second, func() bool { return s2.State() == StateAuthenticated })

	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatalf("expected displaced session s1 to close")
	}

	if got, ok := reg.Lookup(alice); !ok || got != registry.Handle(s2) {
		t.Fatalf("expected s2 to remain registered after displacement")
	}

	c2.Close()
}
