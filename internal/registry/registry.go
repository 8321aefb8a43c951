// Package registry is the Session Registry (§4.3): a concurrent map from
// address to the single live session handle for that address, with
// register-and-displace as one atomic operation and identity-checked
// unregister so a displaced session's late teardown can never evict its
// replacement.
package registry

import (
	"sync"
	"time"

	"github.com/idena-relay/relay/internal/domain"
)

// Handle is the minimal surface the registry needs from a session. The
// session package implements this; the registry never reaches into a
// session beyond this interface, keeping send-rights exclusive to the
// owning session task.
type Handle interface {
	Address() domain.Address
	// Displace is invoked on a session when a newer session for the same
	// address has just been registered. Implementations must stop
	// accepting new outbound envelopes and close promptly; it must not
	// block.
	Displace()
}

// Registry is the concurrency-safe Session Registry store.
type Registry struct {
	mu sync.RWMutex
	m  map[domain.Address]Handle

	presenceMu   sync.Mutex
	subscribers  map[int]chan domain.PresenceEvent
	nextSubID    int
}

func New() *Registry {
	return &Registry{
		m:           make(map[domain.Address]Handle),
		subscribers: make(map[int]chan domain.PresenceEvent),
	}
}

// Register inserts handle for address. If an entry already existed, it is
// returned as displaced and its Displace method is invoked before this
// call returns; the caller does not need to signal it separately.
func (r *Registry) Register(address domain.Address, handle Handle) (displaced Handle, wasDisplaced bool) {
	r.mu.Lock()
	displaced, wasDisplaced = r.m[address]
	r.m[address] = handle
	r.mu.Unlock()

	if wasDisplaced {
		displaced.Displace()
		// Coalesced: a single online=true event covers both the old
		// session's removal and the new session's arrival (§4.3).
	}
	r.emitPresence(address, true)
	return displaced, wasDisplaced
}

// Unregister removes address's entry only if it currently holds exactly
// handle (identity comparison), returning whether it was removed.
func (r *Registry) Unregister(address domain.Address, handle Handle) bool {
	r.mu.Lock()
	current, ok := r.m[address]
	if !ok || current != handle {
		r.mu.Unlock()
		return false
	}
	delete(r.m, address)
	r.mu.Unlock()

	r.emitPresence(address, false)
	return true
}

// Lookup returns the current handle for address, if any.
func (r *Registry) Lookup(address domain.Address) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[address]
	return h, ok
}

// OnlineAddresses returns a snapshot of every currently registered
// address.
func (r *Registry) OnlineAddresses() []domain.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Address, 0, len(r.m))
	for a := range r.m {
		out = append(out, a)
	}
	return out
}

// Handles returns a snapshot of every currently registered handle, for
// process shutdown to signal each session to close.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.m))
	for _, h := range r.m {
		out = append(out, h)
	}
	return out
}

// Online reports whether address currently has a registered session.
func (r *Registry) Online(address domain.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[address]
	return ok
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Subscribe returns a channel of presence events and an unsubscribe
// function. The channel is small and non-blocking from the producer's
// side: a slow subscriber drops events rather than stalling Register or
// Unregister (§9 design notes).
func (r *Registry) Subscribe() (<-chan domain.PresenceEvent, func()) {
	ch := make(chan domain.PresenceEvent, 32)

	r.presenceMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = ch
	r.presenceMu.Unlock()

	unsubscribe := func() {
		r.presenceMu.Lock()
		delete(r.subscribers, id)
		r.presenceMu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

func (r *Registry) emitPresence(address domain.Address, online bool) {
	ev := domain.PresenceEvent{Address: address, Online: online, At: time.Now().UTC()}

	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			// slow subscriber: drop rather than stall the producer
		}
	}
}
