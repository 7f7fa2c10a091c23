package storage

import (
	"time"

	"yapyap/internal/message"
)

// NodeIdentity is the single persisted identity row (invariant I6: exactly
// one active identity per data directory).
type NodeIdentity struct {
	PeerID    string    `json:"peerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProcessedMarker records that a message ID has been durably admitted,
// backing the dedup set (invariant I1).
type ProcessedMarker struct {
	MessageID   string    `json:"messageId"`
	From        string    `json:"from"`
	ProcessedAt time.Time `json:"processedAt"`
}

// OutboxState is the state machine position of an OutboxEntry.
type OutboxState string

const (
	OutboxPending    OutboxState = "pending"
	OutboxProcessing OutboxState = "processing"
	OutboxDelivered  OutboxState = "delivered"
	OutboxFailed     OutboxState = "failed"
)

// OutboxEntry is one message awaiting delivery, carrying enough retry
// bookkeeping to drive the backoff schedule in internal/outbox.
type OutboxEntry struct {
	MessageID string `json:"messageId"`
	Target    string `json:"target"`
	// From is the original sender to stamp on the outgoing envelope. Empty
	// means "this node itself" — only a relay carrying a message on behalf
	// of its original sender sets this to something other than self.
	From        string      `json:"from,omitempty"`
	Payload     []byte      `json:"payload"`
	State       OutboxState `json:"state"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"createdAt"`
	NextRetryAt time.Time   `json:"nextRetryAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`
	LastError   string      `json:"lastError,omitempty"`
	DeliveredAt *time.Time  `json:"deliveredAt,omitempty"`

	// ClaimedAt is when this entry last transitioned to processing, used by
	// the orphan-reclaim sweep to detect a worker that claimed an entry and
	// never finished it (killed mid-deliver): an entry still processing
	// past 2x ack_timeout is reset back to pending.
	ClaimedAt time.Time `json:"claimedAt,omitempty"`
}

// InboxEntry records one admitted, decrypted data message so the
// administrative surface's listInbox operation has something durable to
// read back — delivery to the event bus is fire-and-forget, this is the
// queryable record of it.
type InboxEntry struct {
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"receivedAt"`
	Payload    []byte    `json:"payload"`
}

// ReplicaAssignment tracks a store-and-forward relay's delivery state for
// one carried message.
type ReplicaAssignment struct {
	MessageID   string     `json:"messageId"`
	ReplicaPeer string     `json:"replicaPeer"`
	AssignedAt  time.Time  `json:"assignedAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// Contact is a last-writer-wins entry in the address book.
type Contact struct {
	PeerID   string            `json:"peerId"`
	Alias    string            `json:"alias"`
	Trusted  bool              `json:"trusted"`
	LastSeen time.Time         `json:"lastSeen"`
	Clock    message.VectorClock `json:"clock"`
}

// RoutingEntry is a last-writer-wins entry describing how to reach a peer,
// either directly or through a known relay.
type RoutingEntry struct {
	PeerID    string              `json:"peerId"`
	ViaRelay  string              `json:"viaRelay,omitempty"`
	LastSeen  time.Time           `json:"lastSeen"`
	Clock     message.VectorClock `json:"clock"`
}
