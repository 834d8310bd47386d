package store

// Conversation is the local mirror of a chat thread plus its per-user
// settings sub-record.
type Conversation struct {
	ID             string
	Participants   []string
	LastActivityAt int64
	Pinned         bool
	Muted          bool
	Archived       bool
	UnreadCount    int
}

// Message is the local mirror of a chat message. MsgID is the
// client-generated globally unique identifier; the server-confirmed copy
// carries the same one.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Body           string
	MediaRef       string
	ReplyToID      string
	FromMe         bool
	Status         string
	Timestamp      int64
}

// OutboxEntry is a durable record of one not-yet-confirmed outgoing write.
// Kind distinguishes ordinary messages from tombstones and read receipts,
// which ride the same queue so offline deletes and reads survive restarts.
type OutboxEntry struct {
	ID             int64
	MsgID          string
	ConversationID string
	Kind           string
	Body           string
	MediaRef       string
	ReplyToID      string
	ReadUpTo       int64
	Status         string // queued, sending, failed
	Attempts       int
	LastError      string
	NextAttemptAt  int64
	CreatedAt      int64
}
