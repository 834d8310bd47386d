package delivery

import "slices"

// Status represents a message's delivery lifecycle state.
type Status string

const (
	// Queued: accepted locally, not yet handed to the remote channel.
	Queued Status = "queued"
	// Sending: handed off, awaiting acknowledgment.
	Sending Status = "sending"
	// Sent: the remote store accepted the write.
	Sent Status = "sent"
	// Delivered: the recipient's device received it.
	Delivered Status = "delivered"
	// Read: the recipient opened the conversation.
	Read Status = "read"
	// Failed: the remote rejected the write or the retry budget ran out.
	Failed Status = "failed"
	// Deleted: tombstoned in place. Terminal.
	Deleted Status = "deleted"
)

// validTransitions defines allowed forward transitions. Deleted is handled
// separately: it is reachable from any non-terminal state and absorbs
// everything after it.
var validTransitions = map[Status][]Status{
	Queued:    {Sending},
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Queued},
}

// rank orders states so that a signal arriving out of order (a delivered
// receipt after a read receipt) is recognizable as a regression, and a
// confirmed echo can fast-forward a message that missed intermediate
// signals (queued -> sent after crash recovery, failed -> sent when a
// timed-out write actually landed). Failed shares Sending's rank: a
// server acceptance outranks it, a stale delivery signal does not.
var rank = map[Status]int{
	Queued:    0,
	Sending:   1,
	Failed:    1,
	Sent:      2,
	Delivered: 3,
	Read:      4,
}

// Valid reports whether from -> to is an allowed transition.
func Valid(from, to Status) bool {
	if from == Deleted {
		return false
	}
	if to == Deleted {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// Apply is a total function over status pairs: it returns the status the
// message should hold after observing a signal for `to`, and whether the
// transition took effect.
//
// Rules, in order:
//   - nothing changes a Deleted message;
//   - Deleted always applies;
//   - an allowed transition applies (including the failed -> queued retry
//     cycle, the one sanctioned regression);
//   - a signal that advances the rank applies even when intermediate states
//     were never observed locally;
//   - anything else is silently ignored (no regression, per-message
//     monotonicity).
func Apply(current, to Status) (Status, bool) {
	if current == Deleted {
		return Deleted, false
	}
	if to == Deleted {
		return Deleted, true
	}
	if Valid(current, to) {
		return to, true
	}
	if rank[to] > rank[current] {
		return to, true
	}
	return current, false
}

// Terminal reports whether a status accepts no further transitions.
func Terminal(s Status) bool {
	return s == Deleted
}

// Settled reports whether a message no longer needs outbox involvement:
// the remote store has accepted it, it has permanently failed, or it was
// tombstoned.
func Settled(s Status) bool {
	switch s {
	case Sent, Delivered, Read, Failed, Deleted:
		return true
	}
	return false
}
