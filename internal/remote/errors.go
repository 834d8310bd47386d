package remote

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicate reports that a write carried a message ID the store already
// accepted. Treated as success by callers to keep submission idempotent.
var ErrDuplicate = errors.New("duplicate submission")

// ErrSubscriptionLost reports that a subscription stream dropped
// unexpectedly. The registry resubscribes from its last checkpoint.
var ErrSubscriptionLost = errors.New("subscription lost")

// TransientError wraps a failure worth retrying under the outbox backoff
// policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError wraps a rejection that retrying cannot fix: the
// conversation no longer exists, the sender lost permission. Triggers
// rollback, not retry.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent rejection: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent rejection: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent builds a non-retryable rejection.
func Permanent(reason string) error {
	return &PermanentError{Reason: reason}
}

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unknown errors
// (including deadline and cancellation) default to transient so that a
// misclassified failure can never drop a user-authored message.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrDuplicate) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return true
}
