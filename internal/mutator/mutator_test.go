package mutator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mfalcao/chatsync/internal/bus"
	"github.com/mfalcao/chatsync/internal/connectivity"
	"github.com/mfalcao/chatsync/internal/delivery"
	"github.com/mfalcao/chatsync/internal/outbox"
	"github.com/mfalcao/chatsync/internal/remote"
	"github.com/mfalcao/chatsync/internal/store"
)

type fixture struct {
	db      *store.DB
	channel *remote.MemoryChannel
	bus     *bus.Bus
	monitor *connectivity.Monitor
	mutator *Mutator
	flusher *outbox.Flusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	channel := remote.NewMemoryChannel()
	monitor := connectivity.NewMonitor(b, time.Millisecond, zap.NewNop())
	m := New(db, channel, monitor, b, "me", 0, zap.NewNop())
	f := outbox.NewFlusher(db, m, monitor, b, outbox.Policy{
		MaxAttempts:     2,
		BackoffBase:     10 * time.Millisecond,
		BackoffCap:      50 * time.Millisecond,
		DispatchTimeout: time.Second,
	}, zap.NewNop())
	m.SetFlusher(f)

	ctx, cancel := context.WithCancel(context.Background())
	f.Start(ctx)

	t.Cleanup(func() {
		cancel()
		f.Stop()
		m.Close()
		monitor.Stop()
		_ = db.Close()
	})
	return &fixture{db: db, channel: channel, bus: b, monitor: monitor, mutator: m, flusher: f}
}

func (fx *fixture) goOnline(t *testing.T) {
	t.Helper()
	fx.monitor.Report(true)
	waitFor(t, time.Second, fx.monitor.Online)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func (fx *fixture) messageStatus(t *testing.T, msgID string) string {
	t.Helper()
	msg, err := fx.db.GetMessage(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatalf("message %s not in cache", msgID)
	}
	return msg.Status
}

func TestSubmitWhileOfflineQueuesThenFlushes(t *testing.T) {
	fx := newFixture(t)

	msg, err := fx.mutator.Submit("conv", Draft{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	// Offline: visible immediately as queued, durable, not on the wire.
	if got := fx.messageStatus(t, msg.MsgID); got != string(delivery.Queued) {
		t.Errorf("status = %s, want queued", got)
	}
	if n, _ := fx.db.PendingOutboxCount(); n != 1 {
		t.Errorf("pending outbox = %d, want 1", n)
	}
	time.Sleep(50 * time.Millisecond)
	if log := fx.channel.Log("conv"); len(log) != 0 {
		t.Fatalf("message reached the wire while offline: %v", log)
	}

	// Connectivity returns: the outbox drains without user action.
	fx.goOnline(t)
	waitFor(t, 2*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Sent)
	})
	if n, _ := fx.db.PendingOutboxCount(); n != 0 {
		t.Errorf("pending outbox = %d after flush, want 0", n)
	}
	if log := fx.channel.Log("conv"); len(log) != 1 {
		t.Errorf("wire log has %d records, want 1", len(log))
	}
}

func TestSubmitEmptyDraftRejected(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.mutator.Submit("conv", Draft{}); err != ErrEmptyDraft {
		t.Errorf("err = %v, want ErrEmptyDraft", err)
	}
}

func TestPermanentFailureParksThenRetries(t *testing.T) {
	fx := newFixture(t)
	fx.goOnline(t)
	fx.channel.SetWriteError(remote.Permanent("rejected"))

	msg, err := fx.mutator.Submit("conv", Draft{Body: "doomed"})
	if err != nil {
		t.Fatal(err)
	}

	// Parked after a single attempt, still visible, marked failed.
	waitFor(t, 2*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Failed)
	})
	failed, err := fx.mutator.FailedMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Attempts != 1 {
		t.Fatalf("failed entries = %+v, want one entry with 1 attempt", failed)
	}

	// Explicit retry after the fault clears.
	fx.channel.SetWriteError(nil)
	if err := fx.mutator.RetryMessage("conv", msg.MsgID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Sent)
	})
}

func TestTransientFailureRequeuesMessageStatus(t *testing.T) {
	fx := newFixture(t)
	fx.goOnline(t)
	fx.channel.SetWriteError(remote.Transient(errors.New("connection reset")))

	msg, err := fx.mutator.Submit("conv", Draft{Body: "flaky"})
	if err != nil {
		t.Fatal(err)
	}

	// During the backoff window the outbox row is queued; the message row
	// must read queued too, not sit in sending until the retry fires.
	waitFor(t, 2*time.Second, func() bool {
		entry, _ := fx.db.GetOutboxEntry(msg.MsgID)
		if entry == nil || entry.Attempts < 1 || entry.Status != "queued" {
			return false
		}
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Queued)
	})

	// The fault clears; the scheduled retry completes the delivery.
	fx.channel.SetWriteError(nil)
	waitFor(t, 3*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Sent)
	})
}

func TestSubmitToDeletedConversation(t *testing.T) {
	fx := newFixture(t)
	fx.goOnline(t)

	// The conversation is deleted server-side before the dispatch lands.
	fx.channel.DeleteConversation("conv")

	msg, err := fx.mutator.Submit("conv", Draft{Body: "too late"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Failed)
	})

	// The deletion reconciles, removing the local mirror; a retry into the
	// vanished conversation is rejected.
	if err := fx.mutator.ApplyRecord(remote.Record{Seq: 1, Meta: &remote.Meta{
		ConversationID: "conv", Deleted: true,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := fx.mutator.RetryMessage("conv", msg.MsgID); err != ErrNotRetryable {
		t.Errorf("retry err = %v, want ErrNotRetryable", err)
	}
}

func TestRetryRejectsUnparkedMessage(t *testing.T) {
	fx := newFixture(t)
	if err := fx.mutator.RetryMessage("conv", "nope"); err != ErrNotRetryable {
		t.Errorf("err = %v, want ErrNotRetryable", err)
	}
}

func TestReconcileIncomingIsIdempotent(t *testing.T) {
	fx := newFixture(t)

	rec := remote.Record{Seq: 1, Message: &remote.Message{
		ID:             "peer-1",
		ConversationID: "conv",
		SenderID:       "peer",
		Kind:           remote.KindMessage,
		Body:           "hi",
		TimestampMs:    time.Now().UnixMilli(),
	}}

	// At-least-once delivery: applying the same record twice changes nothing.
	if err := fx.mutator.ApplyRecord(rec); err != nil {
		t.Fatal(err)
	}
	if err := fx.mutator.ApplyRecord(rec); err != nil {
		t.Fatal(err)
	}

	msgs, err := fx.mutator.Messages("conv", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("cache has %d messages, want 1", len(msgs))
	}
	if got := fx.messageStatus(t, "peer-1"); got != string(delivery.Delivered) {
		t.Errorf("incoming status = %s, want delivered", got)
	}
	conv, err := fx.db.GetConversation("conv")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.UnreadCount != 1 {
		t.Errorf("unread = %+v, want count 1", conv)
	}
}

func TestEchoConfirmsOptimisticCopy(t *testing.T) {
	fx := newFixture(t)

	// Offline submit leaves the message queued with an outbox entry.
	msg, err := fx.mutator.Submit("conv", Draft{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	// The echo arrives (say, the write landed before a timeout): it wins.
	err = fx.mutator.ApplyRecord(remote.Record{Seq: 1, Message: &remote.Message{
		ID:             msg.MsgID,
		ConversationID: "conv",
		SenderID:       "me",
		Kind:           remote.KindMessage,
		Body:           "hello",
		TimestampMs:    msg.Timestamp,
	}})
	if err != nil {
		t.Fatal(err)
	}

	if got := fx.messageStatus(t, msg.MsgID); got != string(delivery.Sent) {
		t.Errorf("status = %s, want sent", got)
	}
	if n, _ := fx.db.PendingOutboxCount(); n != 0 {
		t.Errorf("outbox entry survived the echo, pending = %d", n)
	}

	msgs, _ := fx.mutator.Messages("conv", 0, 10)
	if len(msgs) != 1 {
		t.Errorf("cache has %d messages after echo, want 1", len(msgs))
	}
}

func TestMarkReadClearsAndQueuesReceipt(t *testing.T) {
	fx := newFixture(t)

	if err := fx.mutator.ApplyRecord(remote.Record{Seq: 1, Message: &remote.Message{
		ID: "peer-1", ConversationID: "conv", SenderID: "peer",
		Kind: remote.KindMessage, Body: "hi", TimestampMs: time.Now().UnixMilli(),
	}}); err != nil {
		t.Fatal(err)
	}

	if err := fx.mutator.MarkRead("conv"); err != nil {
		t.Fatal(err)
	}

	if got := fx.messageStatus(t, "peer-1"); got != string(delivery.Read) {
		t.Errorf("incoming status = %s, want read", got)
	}
	conv, _ := fx.db.GetConversation("conv")
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", conv.UnreadCount)
	}
	queued, _ := fx.db.QueuedOutbox()
	if len(queued) != 1 || queued[0].Kind != remote.KindReadReceipt {
		t.Errorf("outbox = %+v, want one read_receipt entry", queued)
	}
}

func TestPeerReadReceiptAdvancesOutgoing(t *testing.T) {
	fx := newFixture(t)
	fx.goOnline(t)

	msg, err := fx.mutator.Submit("conv", Draft{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Sent)
	})

	err = fx.mutator.ApplyRecord(remote.Record{Seq: 2, Message: &remote.Message{
		ID: "rcpt-1", ConversationID: "conv", SenderID: "peer",
		Kind: remote.KindReadReceipt, ReadUpToMs: time.Now().UnixMilli(),
		TimestampMs: time.Now().UnixMilli(),
	}})
	if err != nil {
		t.Fatal(err)
	}

	if got := fx.messageStatus(t, msg.MsgID); got != string(delivery.Read) {
		t.Errorf("status = %s, want read", got)
	}
}

func TestDeleteUnsentMessageWithdraws(t *testing.T) {
	fx := newFixture(t)

	msg, err := fx.mutator.Submit("conv", Draft{Body: "oops"})
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.mutator.DeleteMessage("conv", msg.MsgID); err != nil {
		t.Fatal(err)
	}

	if got := fx.messageStatus(t, msg.MsgID); got != string(delivery.Deleted) {
		t.Errorf("status = %s, want deleted", got)
	}
	if n, _ := fx.db.PendingOutboxCount(); n != 0 {
		t.Errorf("pending outbox = %d, want 0", n)
	}

	// Nothing ever reaches the wire, even once connectivity returns.
	fx.goOnline(t)
	time.Sleep(100 * time.Millisecond)
	if log := fx.channel.Log("conv"); len(log) != 0 {
		t.Errorf("withdrawn message reached the wire: %v", log)
	}
}

func TestRemoteTombstoneAppliesLocally(t *testing.T) {
	fx := newFixture(t)
	fx.goOnline(t)

	msg, err := fx.mutator.Submit("conv", Draft{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return fx.messageStatus(t, msg.MsgID) == string(delivery.Sent)
	})

	err = fx.mutator.ApplyRecord(remote.Record{Seq: 2, Message: &remote.Message{
		ID: "del-1", ConversationID: "conv", SenderID: "peer",
		Kind: remote.KindTombstone, ReplyToID: msg.MsgID,
		TimestampMs: time.Now().UnixMilli(),
	}})
	if err != nil {
		t.Fatal(err)
	}

	if got := fx.messageStatus(t, msg.MsgID); got != string(delivery.Deleted) {
		t.Errorf("status = %s, want deleted", got)
	}
	stored, _ := fx.db.GetMessage(msg.MsgID)
	if stored.Body != "" {
		t.Errorf("tombstoned body = %q, want empty", stored.Body)
	}
}

func TestDeliveredApproximation(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	channel := remote.NewMemoryChannel()
	monitor := connectivity.NewMonitor(b, time.Millisecond, zap.NewNop())
	t.Cleanup(monitor.Stop)

	m := New(db, channel, monitor, b, "me", 20*time.Millisecond, zap.NewNop())
	f := outbox.NewFlusher(db, m, monitor, b, outbox.DefaultPolicy(), zap.NewNop())
	m.SetFlusher(f)
	t.Cleanup(m.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	t.Cleanup(f.Stop)

	monitor.Report(true)
	waitFor(t, time.Second, monitor.Online)

	msg, err := m.Submit("conv", Draft{Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		stored, _ := db.GetMessage(msg.MsgID)
		return stored != nil && stored.Status == string(delivery.Delivered)
	})
}

func TestJoinEmitsMembershipEvent(t *testing.T) {
	fx := newFixture(t)

	events, unsub := fx.bus.Subscribe("conversation.", 8)
	defer unsub()

	if err := fx.mutator.JoinConversation("conv", []string{"me", "peer"}); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-events:
		if evt.Kind != bus.KindConversationJoined || evt.Payload.(string) != "conv" {
			t.Errorf("event = %+v, want conversation.joined for conv", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no membership event")
	}

	conv, err := fx.db.GetConversation("conv")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || len(conv.Participants) != 2 {
		t.Errorf("conversation = %+v, want 2 participants", conv)
	}
}
