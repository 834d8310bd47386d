package remote

import "context"

// Kind discriminates the payload carried by a wire message.
const (
	KindMessage     = "message"
	KindTombstone   = "tombstone"
	KindReadReceipt = "read_receipt"
)

// Message is the wire form of a chat message submitted to or confirmed by
// the remote store.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Kind           string `json:"kind"`
	Body           string `json:"body,omitempty"`
	MediaRef       string `json:"media_ref,omitempty"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	TimestampMs    int64  `json:"timestamp_ms"`

	// ReadUpToMs is set on read_receipt messages: every message in the
	// conversation authored before this instant has been read by the sender
	// of the receipt.
	ReadUpToMs int64 `json:"read_up_to_ms,omitempty"`
}

// Meta carries a conversation metadata change.
type Meta struct {
	ConversationID string   `json:"conversation_id"`
	Participants   []string `json:"participants,omitempty"`
	Deleted        bool     `json:"deleted,omitempty"`
}

// Record is one element of a subscription stream. Exactly one of Message
// and Meta is set. Seq is the server-assigned position within the
// conversation's total order.
type Record struct {
	Seq     int64    `json:"seq"`
	Message *Message `json:"message,omitempty"`
	Meta    *Meta    `json:"meta,omitempty"`
}

// CancelFunc tears down a subscription. Idempotent.
type CancelFunc func()

// Channel is the narrow interface to the remote real-time store: a single
// envelope write plus an ordered per-conversation subscription. Delivery is
// at least once; within one conversation all subscribers observe a single
// total order. Implementations classify failures with the error types in
// this package.
type Channel interface {
	// Write submits one message. A duplicate submission (same message ID
	// already accepted) returns ErrDuplicate, which callers treat as success.
	Write(ctx context.Context, conversationID string, msg *Message) error

	// Subscribe streams confirmed records for one conversation with
	// Seq > sinceSeq, then live. The returned channel closes when the
	// subscription is cancelled or lost; a loss while ctx is still live
	// is an ErrSubscriptionLost condition and the caller resubscribes
	// from its last checkpoint.
	Subscribe(ctx context.Context, conversationID string, sinceSeq int64) (<-chan Record, CancelFunc, error)
}
