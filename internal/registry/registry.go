package registry

import (
	"context"
	"sync"
	"time"

	"github.com/mfalcao/chatsync/internal/bus"
	"github.com/mfalcao/chatsync/internal/remote"
	"github.com/mfalcao/chatsync/internal/store"
	"go.uber.org/zap"
)

// Sink consumes confirmed records in arrival order. Implemented by the
// optimistic mutator; listeners never write the local cache themselves.
type Sink interface {
	ApplyRecord(rec remote.Record) error
}

// degradedAfter is the number of consecutive resubscribe failures for one
// conversation before a health event is raised.
const degradedAfter = 3

// Registry owns one live subscription per active conversation. Activation
// is idempotent; deactivation cancels the listener promptly. A lost stream
// is resumed silently from the persisted checkpoint.
type Registry struct {
	channel remote.Channel
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	sink   Sink
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry. SetSink must be called before the first Activate.
func New(channel remote.Channel, db *store.DB, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		channel: channel,
		db:      db,
		bus:     b,
		logger:  logger,
		subs:    make(map[string]*subscription),
	}
}

// SetSink wires the consumer of confirmed records. Separate from New
// because the mutator and the registry reference each other at runtime.
func (r *Registry) SetSink(s Sink) {
	r.mu.Lock()
	r.sink = s
	r.mu.Unlock()
}

// Activate starts a listener for the conversation. Calling it again while
// active has no additional effect and creates no second subscription.
func (r *Registry) Activate(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.sink == nil {
		return
	}
	if _, active := r.subs[conversationID]; active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	r.subs[conversationID] = sub
	go r.listen(ctx, conversationID, sub)
}

// Deactivate cancels the conversation's listener and releases its
// resources. No further records are delivered until reactivated; pending
// remote records are not lost, they replay from the checkpoint then.
func (r *Registry) Deactivate(conversationID string) {
	r.mu.Lock()
	sub, active := r.subs[conversationID]
	if active {
		delete(r.subs, conversationID)
	}
	r.mu.Unlock()
	if !active {
		return
	}
	sub.cancel()
	<-sub.done
}

// Active reports whether the conversation currently has a live listener.
func (r *Registry) Active(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, active := r.subs[conversationID]
	return active
}

// ActiveCount returns the number of live listeners.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// ReconcileActive diffs the desired set against the live one: newly visible
// conversations are activated, vanished ones deactivated, untouched ones
// left undisturbed.
func (r *Registry) ReconcileActive(conversationIDs []string) {
	desired := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		desired[id] = true
	}

	r.mu.Lock()
	var drop []string
	for id := range r.subs {
		if !desired[id] {
			drop = append(drop, id)
		}
	}
	r.mu.Unlock()

	for _, id := range drop {
		r.Deactivate(id)
	}
	for _, id := range conversationIDs {
		r.Activate(id)
	}
}

// Start subscribes the registry to membership events and activates
// listeners for every conversation already in the local mirror.
func (r *Registry) Start(ctx context.Context) error {
	convs, err := r.db.ListConversations(0, 0)
	if err != nil {
		return err
	}
	for _, c := range convs {
		r.Activate(c.ID)
	}

	ch, unsub := r.bus.Subscribe("conversation.", 64)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				id, ok := evt.Payload.(string)
				if !ok {
					continue
				}
				switch evt.Kind {
				case bus.KindConversationJoined:
					r.Activate(id)
				case bus.KindConversationLeft:
					r.Deactivate(id)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close deactivates every listener. The registry accepts no activations after.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Deactivate(id)
	}
}

// listen drives one conversation's receive loop, resubscribing from the
// last checkpoint whenever the stream drops.
func (r *Registry) listen(ctx context.Context, conversationID string, sub *subscription) {
	defer close(sub.done)

	failures := 0
	for ctx.Err() == nil {
		since, err := r.db.Checkpoint(conversationID)
		if err != nil {
			r.logger.Error("failed to read checkpoint",
				zap.String("conversation", conversationID), zap.Error(err))
			since = 0
		}

		ch, cancel, err := r.channel.Subscribe(ctx, conversationID, since)
		if err != nil {
			failures++
			r.reportLoss(conversationID, failures, err)
			if !sleepCtx(ctx, resubscribeDelay(failures)) {
				return
			}
			continue
		}

		if failures > 0 {
			r.logger.Info("subscription restored",
				zap.String("conversation", conversationID), zap.Int64("since", since))
			r.bus.Emit(bus.KindSubscriptionRestored, conversationID)
		}
		failures = 0

		if !r.consume(ctx, conversationID, ch) {
			cancel()
			return // deactivated
		}
		cancel()

		// Stream closed while the context is still live: lost, resume.
		failures++
		r.reportLoss(conversationID, failures, remote.ErrSubscriptionLost)
		if !sleepCtx(ctx, resubscribeDelay(failures)) {
			return
		}
	}
}

// consume routes records to the sink in arrival order until the stream
// closes or a record fails to apply. Returns false when the listener
// context was cancelled, true when the caller should resubscribe.
func (r *Registry) consume(ctx context.Context, conversationID string, ch <-chan remote.Record) bool {
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return ctx.Err() == nil
			}
			if err := r.sink.ApplyRecord(rec); err != nil {
				r.logger.Error("failed to apply record",
					zap.String("conversation", conversationID),
					zap.Int64("seq", rec.Seq),
					zap.Error(err))
				// The checkpoint must not move past an unapplied record,
				// and later records must not be applied ahead of it. Tear
				// the stream down; the resubscribe replays from the
				// checkpoint, redelivering this record first.
				return true
			}
			if err := r.db.SetCheckpoint(conversationID, rec.Seq); err != nil {
				r.logger.Error("failed to persist checkpoint",
					zap.String("conversation", conversationID), zap.Error(err))
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (r *Registry) reportLoss(conversationID string, failures int, err error) {
	r.logger.Warn("subscription lost",
		zap.String("conversation", conversationID),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))
	r.bus.Emit(bus.KindSubscriptionLost, conversationID)
	if failures == degradedAfter {
		r.bus.Emit(bus.KindHealthDegraded, conversationID)
	}
}

// resubscribeDelay backs off resubscribe attempts, capped at five seconds.
func resubscribeDelay(failures int) time.Duration {
	d := time.Duration(failures) * 250 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
