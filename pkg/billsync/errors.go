package billsync

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription record matches a lookup.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrEventNotFound is returned when no event log entry exists for an event id.
	ErrEventNotFound = errors.New("event not found")

	// ErrInvalidTransition is returned when an event log status change is not allowed.
	ErrInvalidTransition = errors.New("invalid event status transition")

	// ErrInvalidEvent is returned for events without an id.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrHandlerFailure matches any reconciliation failure.
	ErrHandlerFailure = errors.New("event handler failed")

	// ErrConfiguration is returned when a component is missing required configuration.
	ErrConfiguration = errors.New("billsync: invalid configuration")

	// ErrSyncInProgress is returned when another synchronization pass holds the lock.
	ErrSyncInProgress = errors.New("usage sync already in progress")

	// ErrLockHeld is returned by Locker implementations when the lock is taken.
	ErrLockHeld = errors.New("lock held")

	// ErrLockLost is returned by Lease.Refresh when the lease is no longer held.
	ErrLockLost = errors.New("lock lost")

	// ErrCacheMiss is returned by SubscriptionCache implementations on a miss.
	ErrCacheMiss = errors.New("cache miss")
)

// HandlerError wraps a failure raised while applying an event.
type HandlerError struct {
	EventID   string
	EventType EventType
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailure }

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
