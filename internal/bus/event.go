package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine. Subscribers filter by namespace
// prefix, e.g. "message." receives every message event.
const (
	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"

	KindMessageUpserted      = "message.upserted"
	KindMessageStatusChanged = "message.status_changed"
	KindMessageSendAck       = "message.send_ack"
	KindMessageSendFailed    = "message.send_failed"

	KindConversationUpdated = "conversation.updated"
	KindConversationJoined  = "conversation.joined"
	KindConversationLeft    = "conversation.left"

	KindSubscriptionLost     = "subscription.lost"
	KindSubscriptionRestored = "subscription.restored"

	KindHealthDegraded = "health.degraded"
)

// MessageRef identifies a message within a conversation. It is the payload
// of every message.* event.
type MessageRef struct {
	ConversationID string
	MsgID          string
}

// StatusChange is the payload of message.status_changed events.
type StatusChange struct {
	ConversationID string
	MsgID          string
	From           string
	To             string
}
