package domain

import "time"

// PublicKeyRecord is the directory's stored entry for one address.
type PublicKeyRecord struct {
	Address   Address   `json:"address"`
	PublicKey string    `json:"publicKey"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageEnvelope is the unit routed between sessions and, when the
// recipient is offline, stored in the Message Queue. Content is opaque
// ciphertext; the relay never inspects it.
type MessageEnvelope struct {
	MessageID string  `json:"messageId"`
	From      Address `json:"from"`
	To        Address `json:"to"`
	Content   string  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	Queued    bool    `json:"queued,omitempty"`
}

// QueuedEntry is a MessageEnvelope plus the server-side time it was
// enqueued, used for age-based expiry. EnqueuedAt is never exposed to
// clients.
type QueuedEntry struct {
	Envelope   MessageEnvelope
	EnqueuedAt time.Time
}

// PresenceEvent is emitted by the Session Registry on register/unregister.
type PresenceEvent struct {
	Address Address   `json:"address"`
	Online  bool      `json:"online"`
	At      time.Time `json:"at"`
}
