package remote

import (
	"context"
	"sync"
	"time"
)

// subBuffer bounds a subscriber's unread backlog. A consumer that falls this
// far behind loses the subscription and must resume from its checkpoint.
const subBuffer = 1024

// MemoryChannel is an in-process Channel with per-conversation total
// ordering and server-assigned sequence numbers. It backs local/dev mode
// and the engine tests, and can inject write failures and subscription
// drops.
type MemoryChannel struct {
	mu       sync.Mutex
	convs    map[string]*memConversation
	accepted map[string]bool
	deleted  map[string]bool
	writeErr error
}

type memConversation struct {
	seq  int64
	log  []Record
	subs map[int]*memSub
	next int
}

type memSub struct {
	ch   chan Record
	once sync.Once
}

func (s *memSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryChannel creates an empty in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		convs:    make(map[string]*memConversation),
		accepted: make(map[string]bool),
		deleted:  make(map[string]bool),
	}
}

func (c *MemoryChannel) conv(id string) *memConversation {
	mc, ok := c.convs[id]
	if !ok {
		mc = &memConversation{subs: make(map[int]*memSub)}
		c.convs[id] = mc
	}
	return mc
}

// Write implements Channel. The store assigns the record's sequence number
// and stamps the acceptance time.
func (c *MemoryChannel) Write(_ context.Context, conversationID string, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deleted[conversationID] {
		return &PermanentError{Reason: "conversation no longer exists"}
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.accepted[msg.ID] {
		return ErrDuplicate
	}
	c.accepted[msg.ID] = true

	mc := c.conv(conversationID)
	mc.seq++
	stored := *msg
	stored.ConversationID = conversationID
	if stored.TimestampMs == 0 {
		stored.TimestampMs = time.Now().UnixMilli()
	}
	rec := Record{Seq: mc.seq, Message: &stored}
	mc.log = append(mc.log, rec)
	mc.broadcast(rec)
	return nil
}

func (mc *memConversation) broadcast(rec Record) {
	for id, sub := range mc.subs {
		select {
		case sub.ch <- rec:
		default:
			// Backlogged consumer: drop the subscription, not the record.
			delete(mc.subs, id)
			sub.close()
		}
	}
}

// Subscribe implements Channel. Records with Seq > sinceSeq are replayed
// from the log before live delivery begins. The subscriber buffer is sized
// to hold the whole backlog plus subBuffer of live headroom, so the replay
// never blocks while the channel lock is held.
func (c *MemoryChannel) Subscribe(ctx context.Context, conversationID string, sinceSeq int64) (<-chan Record, CancelFunc, error) {
	c.mu.Lock()
	mc := c.conv(conversationID)
	var backlog []Record
	for _, rec := range mc.log {
		if rec.Seq > sinceSeq {
			backlog = append(backlog, rec)
		}
	}
	sub := &memSub{ch: make(chan Record, len(backlog)+subBuffer)}
	for _, rec := range backlog {
		sub.ch <- rec
	}
	id := mc.next
	mc.next++
	mc.subs[id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := mc.subs[id]; ok {
			delete(mc.subs, id)
			sub.close()
		}
		c.mu.Unlock()
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return sub.ch, cancel, nil
}

// PublishMeta emits a conversation metadata record to subscribers, as the
// remote store does when membership changes.
func (c *MemoryChannel) PublishMeta(conversationID string, meta *Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc := c.conv(conversationID)
	mc.seq++
	m := *meta
	m.ConversationID = conversationID
	rec := Record{Seq: mc.seq, Meta: &m}
	mc.log = append(mc.log, rec)
	mc.broadcast(rec)
}

// SetWriteError makes every subsequent Write fail with err until cleared
// with nil. Used to simulate an unreachable or rejecting store.
func (c *MemoryChannel) SetWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// DeleteConversation marks a conversation deleted server-side: writes to it
// are rejected permanently from now on.
func (c *MemoryChannel) DeleteConversation(conversationID string) {
	c.mu.Lock()
	c.deleted[conversationID] = true
	c.mu.Unlock()
}

// DropSubscribers severs every live subscription for a conversation without
// touching the log, simulating a lost stream. Subscribers observe a closed
// channel and resume from their checkpoints.
func (c *MemoryChannel) DropSubscribers(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc := c.conv(conversationID)
	for id, sub := range mc.subs {
		delete(mc.subs, id)
		sub.close()
	}
}

// Log returns a copy of the conversation's records in store order.
func (c *MemoryChannel) Log(conversationID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	mc := c.conv(conversationID)
	out := make([]Record, len(mc.log))
	copy(out, mc.log)
	return out
}

// SubscriberCount reports live subscriptions for a conversation.
func (c *MemoryChannel) SubscriberCount(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conv(conversationID).subs)
}
