package outbox

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/mfalcao/chatsync/internal/bus"
	"github.com/mfalcao/chatsync/internal/connectivity"
	"github.com/mfalcao/chatsync/internal/remote"
	"github.com/mfalcao/chatsync/internal/store"
	"go.uber.org/zap"
)

// Dispatcher hands one durable entry to the remote channel and owns the
// message-side status bookkeeping. Implemented by the optimistic mutator,
// which is the only writer of the local cache.
type Dispatcher interface {
	// Dispatch attempts delivery of one entry. The returned error is
	// classified with the remote error taxonomy; nil or remote.ErrDuplicate
	// means the store accepted the write.
	Dispatch(ctx context.Context, entry store.OutboxEntry) error
	// Confirm is called after the entry has been removed from the queue.
	Confirm(entry store.OutboxEntry)
	// Requeue is called when a transient failure schedules a retry: the
	// entry is back in the queue, so its message reads as queued again
	// rather than stuck in sending for the backoff window.
	Requeue(entry store.OutboxEntry)
	// Rollback is called when the entry is parked: permanent rejection or
	// exhausted retry budget.
	Rollback(entry store.OutboxEntry, cause error)
}

// Policy bounds dispatch retries.
type Policy struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	DispatchTimeout time.Duration
	// PollInterval paces the ticker that picks up entries whose backoff
	// expired; zero selects the default.
	PollInterval time.Duration
}

// DefaultPolicy returns conservative retry bounds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		BackoffBase:     time.Second,
		BackoffCap:      30 * time.Second,
		DispatchTimeout: 10 * time.Second,
		PollInterval:    500 * time.Millisecond,
	}
}

// Flusher drains the durable outbox through the dispatcher. One worker
// drives the loop; a pass dispatches entries in enqueue order, FIFO within
// each conversation, interleaving across conversations. A conversation
// whose head entry fails or is still backing off blocks its later entries
// for the rest of the pass, so peers never observe out-of-order delivery.
type Flusher struct {
	db         *store.DB
	dispatcher Dispatcher
	monitor    *connectivity.Monitor
	bus        *bus.Bus
	policy     Policy
	logger     *zap.Logger

	kick   chan struct{}
	cancel context.CancelFunc
}

// NewFlusher creates a flusher. Call Start to begin draining.
func NewFlusher(db *store.DB, dispatcher Dispatcher, monitor *connectivity.Monitor, b *bus.Bus, policy Policy, logger *zap.Logger) *Flusher {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = 500 * time.Millisecond
	}
	return &Flusher{
		db:         db,
		dispatcher: dispatcher,
		monitor:    monitor,
		bus:        b,
		policy:     policy,
		logger:     logger,
		kick:       make(chan struct{}, 1),
	}
}

// Start begins the flush loop. Flushes are triggered by connectivity
// transitions to online, explicit kicks, and a coarse timer that picks up
// entries whose backoff expired.
func (f *Flusher) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)

	// Entries left over from a previous run flush as soon as we are online.
	if n, err := f.db.PendingOutboxCount(); err == nil && n > 0 {
		f.logger.Info("outbox has pending entries at startup", zap.Int("count", n))
		f.Kick()
	}

	go f.loop(ctx)
}

// Stop stops the flush loop.
func (f *Flusher) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Kick schedules a flush pass without blocking.
func (f *Flusher) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *Flusher) loop(ctx context.Context) {
	online, unsub := f.bus.Subscribe(bus.KindNetOnline, 8)
	defer unsub()

	ticker := time.NewTicker(f.policy.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-online:
			f.flush(ctx)
		case <-f.kick:
			f.flush(ctx)
		case <-ticker.C:
			f.flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	if !f.monitor.Online() {
		return
	}

	entries, err := f.db.QueuedOutbox()
	if err != nil {
		f.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	blocked := make(map[string]bool)

	for _, entry := range entries {
		if ctx.Err() != nil || !f.monitor.Online() {
			return
		}
		if blocked[entry.ConversationID] {
			continue
		}
		if entry.NextAttemptAt > now {
			// Still backing off; later entries of this conversation must
			// wait behind it.
			blocked[entry.ConversationID] = true
			continue
		}
		if !f.dispatchOne(ctx, entry) {
			blocked[entry.ConversationID] = true
		}
	}
}

// dispatchOne attempts one entry and reports whether the conversation may
// continue this pass.
func (f *Flusher) dispatchOne(ctx context.Context, entry store.OutboxEntry) bool {
	if err := f.db.MarkOutboxSending(entry.MsgID); err != nil {
		f.logger.Error("failed to mark sending", zap.Error(err), zap.String("msg_id", entry.MsgID))
		return false
	}
	attempts := entry.Attempts + 1

	dctx, cancel := context.WithTimeout(ctx, f.policy.DispatchTimeout)
	err := f.dispatcher.Dispatch(dctx, entry)
	cancel()

	switch {
	case err == nil, errors.Is(err, remote.ErrDuplicate):
		if derr := f.db.DeleteOutboxEntry(entry.MsgID); derr != nil {
			f.logger.Error("failed to remove acknowledged entry", zap.Error(derr), zap.String("msg_id", entry.MsgID))
		}
		f.dispatcher.Confirm(entry)
		return true

	case remote.IsPermanent(err):
		f.logger.Warn("permanent rejection",
			zap.String("msg_id", entry.MsgID),
			zap.String("conversation", entry.ConversationID),
			zap.Error(err))
		if merr := f.db.MarkOutboxFailed(entry.MsgID, err.Error()); merr != nil {
			f.logger.Error("failed to park entry", zap.Error(merr), zap.String("msg_id", entry.MsgID))
		}
		f.dispatcher.Rollback(entry, err)
		return true

	default: // transient
		if attempts >= f.policy.MaxAttempts {
			f.logger.Warn("retry budget exhausted",
				zap.String("msg_id", entry.MsgID),
				zap.Int("attempts", attempts),
				zap.Error(err))
			if merr := f.db.MarkOutboxFailed(entry.MsgID, err.Error()); merr != nil {
				f.logger.Error("failed to park entry", zap.Error(merr), zap.String("msg_id", entry.MsgID))
			}
			f.dispatcher.Rollback(entry, err)
			return false
		}

		next := time.Now().Add(f.backoff(attempts)).UnixMilli()
		f.logger.Info("dispatch failed, retry scheduled",
			zap.String("msg_id", entry.MsgID),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if serr := f.db.ScheduleOutboxRetry(entry.MsgID, next, err.Error()); serr != nil {
			f.logger.Error("failed to schedule retry", zap.Error(serr), zap.String("msg_id", entry.MsgID))
		}
		f.dispatcher.Requeue(entry)
		return false
	}
}

// backoff computes a capped exponential delay with jitter, so a mass
// reconnect does not retry in lockstep.
func (f *Flusher) backoff(attempts int) time.Duration {
	d := f.policy.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= f.policy.BackoffCap {
			d = f.policy.BackoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
