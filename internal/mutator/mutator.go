// Package mutator owns every write to the local cache. User actions are
// applied optimistically and queued for delivery; remote records are
// reconciled against the optimistic state. Keeping one writer makes the
// status machine enforceable: no other component touches message rows.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/mfalcao/chatsync/internal/bus"
	"github.com/mfalcao/chatsync/internal/connectivity"
	"github.com/mfalcao/chatsync/internal/delivery"
	"github.com/mfalcao/chatsync/internal/outbox"
	"github.com/mfalcao/chatsync/internal/remote"
	"github.com/mfalcao/chatsync/internal/store"
)

var (
	// ErrEmptyDraft is returned by Submit when a draft carries no content.
	ErrEmptyDraft = errors.New("mutator: draft has no body or media")
	// ErrNotRetryable is returned by RetryMessage when the message has no
	// parked outbox entry.
	ErrNotRetryable = errors.New("mutator: message is not parked for retry")
)

// Draft is the user-authored content of one outgoing message.
type Draft struct {
	Body      string
	MediaRef  string
	ReplyToID string

	// ClientID overrides the generated message ID. Resubmitting with the
	// same ClientID is idempotent end to end: the outbox and the remote
	// store both deduplicate on it.
	ClientID string
}

// Mutator applies user actions to the local cache and reconciles remote
// records into it. It implements the registry's record sink and the
// outbox's dispatcher.
type Mutator struct {
	db      *store.DB
	channel remote.Channel
	monitor *connectivity.Monitor
	bus     *bus.Bus
	logger  *zap.Logger

	userID         string
	deliveredAfter time.Duration

	// seen holds recently reconciled record keys so at-least-once
	// redelivery short-circuits before touching the cache.
	seen *gocache.Cache

	mu      sync.Mutex
	flusher *outbox.Flusher
	timers  map[string]*time.Timer
	closed  bool
}

// New creates a mutator. Call SetFlusher before the first Submit.
func New(db *store.DB, channel remote.Channel, monitor *connectivity.Monitor, b *bus.Bus, userID string, deliveredAfter time.Duration, logger *zap.Logger) *Mutator {
	return &Mutator{
		db:             db,
		channel:        channel,
		monitor:        monitor,
		bus:            b,
		logger:         logger,
		userID:         userID,
		deliveredAfter: deliveredAfter,
		seen:           gocache.New(10*time.Minute, 30*time.Minute),
		timers:         make(map[string]*time.Timer),
	}
}

// SetFlusher wires the outbox flusher. Separate from New because the
// flusher's dispatcher is the mutator itself.
func (m *Mutator) SetFlusher(f *outbox.Flusher) {
	m.mu.Lock()
	m.flusher = f
	m.mu.Unlock()
}

// Close stops pending delivery-approximation timers.
func (m *Mutator) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// UserID returns the local user's identifier.
func (m *Mutator) UserID() string { return m.userID }

// ConnectivityState reports whether the daemon currently considers itself
// online.
func (m *Mutator) ConnectivityState() bool { return m.monitor.Online() }

// newMsgID generates a globally unique, roughly time-ordered message ID.
func newMsgID() string {
	return fmt.Sprintf("%013d-%s", time.Now().UnixMilli(), uuid.NewString())
}

// Submit accepts a draft, shows it in the conversation immediately with
// status queued, and hands it to the outbox. The message reaches the wire
// only through the outbox, so within-conversation send order is the
// enqueue order regardless of connectivity at submit time.
func (m *Mutator) Submit(conversationID string, d Draft) (*store.Message, error) {
	if d.Body == "" && d.MediaRef == "" {
		return nil, ErrEmptyDraft
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msgID := d.ClientID
	if msgID == "" {
		msgID = newMsgID()
	}
	now := time.Now().UnixMilli()

	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          msgID,
		SenderID:       m.userID,
		Body:           d.Body,
		MediaRef:       d.MediaRef,
		ReplyToID:      d.ReplyToID,
		FromMe:         true,
		Status:         string(delivery.Queued),
		Timestamp:      now,
	}
	if err := m.db.UpsertMessage(msg); err != nil {
		return nil, err
	}
	if err := m.db.Enqueue(&store.OutboxEntry{
		MsgID:          msgID,
		ConversationID: conversationID,
		Kind:           remote.KindMessage,
		Body:           d.Body,
		MediaRef:       d.MediaRef,
		ReplyToID:      d.ReplyToID,
	}); err != nil {
		return nil, err
	}
	if err := m.db.EnsureConversation(conversationID, nil, now); err != nil {
		m.logger.Warn("bump activity failed", zap.Error(err))
	}

	m.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: conversationID, MsgID: msgID})
	m.kickLocked()
	return msg, nil
}

// RetryMessage requeues a message parked as failed and triggers a flush.
// A retry into a conversation that no longer exists is rejected: the
// permanent failure that parked the message is not going to clear.
func (m *Mutator) RetryMessage(conversationID, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.db.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrNotRetryable
	}
	entry, err := m.db.GetOutboxEntry(msgID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != "failed" {
		return ErrNotRetryable
	}
	if err := m.db.RequeueOutbox(msgID); err != nil {
		return err
	}
	m.applyStatusLocked(conversationID, msgID, delivery.Queued)
	m.kickLocked()
	return nil
}

// DiscardMessage drops a parked message: the outbox entry is removed and
// the local copy becomes a tombstone. Nothing is sent.
func (m *Mutator) DiscardMessage(conversationID, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.DeleteOutboxEntry(msgID); err != nil {
		return err
	}
	return m.tombstoneLocked(conversationID, msgID)
}

// DeleteMessage tombstones a message locally and propagates the deletion.
// A message that never left the outbox is simply withdrawn; a confirmed
// one gets a tombstone write queued for the peers.
func (m *Mutator) DeleteMessage(conversationID, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.db.GetOutboxEntry(msgID)
	if err != nil {
		return err
	}
	if entry != nil && entry.Status != "sending" {
		// Never sent: withdrawing it locally is the whole deletion.
		if err := m.db.DeleteOutboxEntry(msgID); err != nil {
			return err
		}
		return m.tombstoneLocked(conversationID, msgID)
	}

	if err := m.tombstoneLocked(conversationID, msgID); err != nil {
		return err
	}
	if err := m.db.Enqueue(&store.OutboxEntry{
		MsgID:          newMsgID(),
		ConversationID: conversationID,
		Kind:           remote.KindTombstone,
		ReplyToID:      msgID,
	}); err != nil {
		return err
	}
	m.kickLocked()
	return nil
}

// MarkRead marks the conversation read locally and queues a read receipt
// for the peers. Safe to call offline; the receipt rides the outbox.
func (m *Mutator) MarkRead(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	if err := m.db.MarkIncomingRead(conversationID); err != nil {
		return err
	}
	if err := m.db.ClearUnread(conversationID); err != nil {
		return err
	}
	if err := m.db.Enqueue(&store.OutboxEntry{
		MsgID:          newMsgID(),
		ConversationID: conversationID,
		Kind:           remote.KindReadReceipt,
		ReadUpTo:       now,
	}); err != nil {
		return err
	}
	m.bus.Emit(bus.KindConversationUpdated, conversationID)
	m.kickLocked()
	return nil
}

// JoinConversation records a conversation in the local mirror and asks the
// registry (via the bus) to start listening on it.
func (m *Mutator) JoinConversation(conversationID string, participants []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.EnsureConversation(conversationID, participants, time.Now().UnixMilli()); err != nil {
		return err
	}
	m.bus.Emit(bus.KindConversationJoined, conversationID)
	return nil
}

// LeaveConversation stops listening on a conversation. The local mirror
// keeps its history; only the live subscription goes away.
func (m *Mutator) LeaveConversation(conversationID string) {
	m.bus.Emit(bus.KindConversationLeft, conversationID)
}

// SetConversationFlags updates per-user conversation settings.
func (m *Mutator) SetConversationFlags(conversationID string, pinned, muted, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.db.SetConversationFlags(conversationID, pinned, muted, archived); err != nil {
		return err
	}
	m.bus.Emit(bus.KindConversationUpdated, conversationID)
	return nil
}

// Conversations lists the local conversation mirror, most recent first.
func (m *Mutator) Conversations(limit, offset int) ([]store.Conversation, error) {
	return m.db.ListConversations(limit, offset)
}

// Messages pages a conversation's messages backwards from beforeTs.
func (m *Mutator) Messages(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return m.db.ListMessages(conversationID, beforeTs, limit)
}

// FailedMessages lists outbox entries parked after exhausting retries.
func (m *Mutator) FailedMessages() ([]store.OutboxEntry, error) {
	return m.db.FailedOutbox()
}

// ObserveConversationList subscribes to conversation-level changes. Every
// event means the list (content or ordering) may have changed; the caller
// re-reads via Conversations. Returns the event stream and an unsubscribe
// func.
func (m *Mutator) ObserveConversationList() (<-chan bus.Event, func()) {
	return m.bus.Subscribe("conversation.", 64)
}

// ObserveMessages subscribes to message-level changes across conversations;
// payloads carry the conversation and message IDs for filtering.
func (m *Mutator) ObserveMessages() (<-chan bus.Event, func()) {
	return m.bus.Subscribe("message.", 64)
}

// ApplyRecord reconciles one confirmed record into the cache. It is the
// registry's sink: records arrive in per-conversation seq order, at least
// once. A non-nil return keeps the conversation checkpoint where it was,
// so the record is redelivered.
func (m *Mutator) ApplyRecord(rec remote.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Meta != nil {
		return m.applyMetaLocked(rec.Meta)
	}
	if rec.Message == nil {
		return nil
	}
	msg := rec.Message

	key := msg.Kind + ":" + msg.ID
	if _, dup := m.seen.Get(key); dup {
		return nil
	}

	if err := m.db.EnsureConversation(msg.ConversationID, nil, msg.TimestampMs); err != nil {
		return err
	}

	var err error
	switch msg.Kind {
	case remote.KindTombstone:
		err = m.applyTombstoneLocked(msg)
	case remote.KindReadReceipt:
		err = m.applyReadReceiptLocked(msg)
	default:
		err = m.applyMessageLocked(msg)
	}
	if err != nil {
		return err
	}

	m.seen.SetDefault(key, struct{}{})
	return nil
}

func (m *Mutator) applyMetaLocked(meta *remote.Meta) error {
	if meta.Deleted {
		if err := m.db.RemoveConversation(meta.ConversationID); err != nil {
			return err
		}
		m.bus.Emit(bus.KindConversationLeft, meta.ConversationID)
		return nil
	}
	if err := m.db.EnsureConversation(meta.ConversationID, meta.Participants, 0); err != nil {
		return err
	}
	m.bus.Emit(bus.KindConversationUpdated, meta.ConversationID)
	return nil
}

// applyMessageLocked reconciles a confirmed chat message. An echo of our
// own write confirms the optimistic copy; anything else is a peer message.
func (m *Mutator) applyMessageLocked(msg *remote.Message) error {
	if msg.SenderID == m.userID {
		// The server's copy outranks any in-flight outbox entry for the
		// same ID: delivery already happened, even if our Write timed out.
		if err := m.db.DeleteOutboxEntry(msg.ID); err != nil {
			return err
		}
		existing, err := m.db.GetMessage(msg.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			// Authored on another device of the same user.
			return m.db.UpsertMessage(&store.Message{
				ConversationID: msg.ConversationID,
				MsgID:          msg.ID,
				SenderID:       msg.SenderID,
				Body:           msg.Body,
				MediaRef:       msg.MediaRef,
				ReplyToID:      msg.ReplyToID,
				FromMe:         true,
				Status:         string(delivery.Sent),
				Timestamp:      msg.TimestampMs,
			})
		}
		m.applyStatusLocked(msg.ConversationID, msg.ID, delivery.Sent)
		return nil
	}

	// Redelivery of an already-reconciled record is a no-op even past the
	// dedup cache's horizon: a read message must not regress to delivered.
	existing, err := m.db.GetMessage(msg.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	if err := m.db.UpsertMessage(&store.Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.ID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		MediaRef:       msg.MediaRef,
		ReplyToID:      msg.ReplyToID,
		FromMe:         false,
		Status:         string(delivery.Delivered),
		Timestamp:      msg.TimestampMs,
	}); err != nil {
		return err
	}
	if err := m.db.IncrementUnread(msg.ConversationID); err != nil {
		return err
	}
	m.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: msg.ConversationID, MsgID: msg.ID})
	return nil
}

func (m *Mutator) applyTombstoneLocked(msg *remote.Message) error {
	return m.tombstoneLocked(msg.ConversationID, msg.ReplyToID)
}

func (m *Mutator) applyReadReceiptLocked(msg *remote.Message) error {
	if msg.SenderID == m.userID {
		// Echo of our own receipt: the outbox entry is settled.
		return m.db.DeleteOutboxEntry(msg.ID)
	}
	if err := m.db.MarkOutgoingReadUpTo(msg.ConversationID, msg.ReadUpToMs); err != nil {
		return err
	}
	m.bus.Emit(bus.KindConversationUpdated, msg.ConversationID)
	return nil
}

// Dispatch hands one outbox entry to the remote channel. Called by the
// flusher; status bookkeeping for the optimistic copy happens here so the
// cache has a single writer.
func (m *Mutator) Dispatch(ctx context.Context, entry store.OutboxEntry) error {
	if entry.Kind == remote.KindMessage {
		m.mu.Lock()
		m.applyStatusLocked(entry.ConversationID, entry.MsgID, delivery.Sending)
		m.mu.Unlock()
	}

	wire := &remote.Message{
		ID:             entry.MsgID,
		ConversationID: entry.ConversationID,
		SenderID:       m.userID,
		Kind:           entry.Kind,
		Body:           entry.Body,
		MediaRef:       entry.MediaRef,
		ReplyToID:      entry.ReplyToID,
		TimestampMs:    entry.CreatedAt,
		ReadUpToMs:     entry.ReadUpTo,
	}
	return m.channel.Write(ctx, entry.ConversationID, wire)
}

// Confirm settles a dispatched entry: the remote store accepted the write.
func (m *Mutator) Confirm(entry store.OutboxEntry) {
	if entry.Kind != remote.KindMessage {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyStatusLocked(entry.ConversationID, entry.MsgID, delivery.Sent)
	m.bus.Emit(bus.KindMessageSendAck, bus.MessageRef{ConversationID: entry.ConversationID, MsgID: entry.MsgID})
	m.scheduleDeliveredLocked(entry.ConversationID, entry.MsgID)
}

// Requeue returns a transiently failed entry's message to queued for the
// backoff window, keeping the message row in step with the outbox row.
// Sending drops back to queued here deliberately; the entry re-enters
// dispatch later and runs the queued -> sending -> sent path again.
func (m *Mutator) Requeue(entry store.OutboxEntry) {
	if entry.Kind != remote.KindMessage {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := m.db.GetMessage(entry.MsgID)
	if err != nil || msg == nil || msg.Status != string(delivery.Sending) {
		return
	}
	if err := m.db.SetMessageStatus(entry.ConversationID, entry.MsgID, string(delivery.Queued)); err != nil {
		m.logger.Warn("status update failed", zap.String("msg", entry.MsgID), zap.Error(err))
		return
	}
	m.bus.Emit(bus.KindMessageStatusChanged, bus.StatusChange{
		ConversationID: entry.ConversationID,
		MsgID:          entry.MsgID,
		From:           string(delivery.Sending),
		To:             string(delivery.Queued),
	})
}

// Rollback parks a dispatched entry: permanent rejection or exhausted
// retry budget. The optimistic copy stays visible, marked failed.
func (m *Mutator) Rollback(entry store.OutboxEntry, cause error) {
	if entry.Kind != remote.KindMessage {
		m.logger.Warn("dropping non-message outbox entry",
			zap.String("kind", entry.Kind), zap.String("conversation", entry.ConversationID), zap.Error(cause))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyStatusLocked(entry.ConversationID, entry.MsgID, delivery.Failed)
	m.bus.Emit(bus.KindMessageSendFailed, bus.MessageRef{ConversationID: entry.ConversationID, MsgID: entry.MsgID})
}

// scheduleDeliveredLocked approximates a delivered receipt on transports
// that have none: a sent message flips to delivered after a grace period
// unless a stronger signal (read) lands first.
func (m *Mutator) scheduleDeliveredLocked(conversationID, msgID string) {
	if m.deliveredAfter <= 0 || m.closed {
		return
	}
	if t, ok := m.timers[msgID]; ok {
		t.Stop()
	}
	m.timers[msgID] = time.AfterFunc(m.deliveredAfter, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, msgID)
		if m.closed {
			return
		}
		m.applyStatusLocked(conversationID, msgID, delivery.Delivered)
	})
}

// applyStatusLocked advances one message's delivery status through the
// transition machine, persisting and announcing only real changes.
func (m *Mutator) applyStatusLocked(conversationID, msgID string, to delivery.Status) {
	msg, err := m.db.GetMessage(msgID)
	if err != nil || msg == nil {
		return
	}
	current := delivery.Status(msg.Status)
	next, changed := delivery.Apply(current, to)
	if !changed {
		return
	}
	if err := m.db.SetMessageStatus(conversationID, msgID, string(next)); err != nil {
		m.logger.Warn("status update failed", zap.String("msg", msgID), zap.Error(err))
		return
	}
	m.bus.Emit(bus.KindMessageStatusChanged, bus.StatusChange{
		ConversationID: conversationID,
		MsgID:          msgID,
		From:           string(current),
		To:             string(next),
	})
}

func (m *Mutator) tombstoneLocked(conversationID, msgID string) error {
	msg, err := m.db.GetMessage(msgID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status == string(delivery.Deleted) {
		return nil
	}
	if err := m.db.TombstoneMessage(conversationID, msgID); err != nil {
		return err
	}
	m.bus.Emit(bus.KindMessageStatusChanged, bus.StatusChange{
		ConversationID: conversationID,
		MsgID:          msgID,
		From:           msg.Status,
		To:             string(delivery.Deleted),
	})
	return nil
}

func (m *Mutator) kickLocked() {
	if m.flusher != nil {
		m.flusher.Kick()
	}
}
