package billsync

import (
	"context"
	"time"
)

// EventLog is the durable dedup log of provider deliveries. Uniqueness of
// event ids must be enforced by the backing store itself so that concurrent
// deliveries of one id resolve to exactly one new entry.
type EventLog interface {
	// RecordEvent inserts a received entry for eventID. When the id is already
	// logged it returns the existing entry and false.
	RecordEvent(ctx context.Context, eventID, eventType string, receivedAt time.Time) (*EventLogEntry, bool, error)

	// MarkEvent moves a received entry to a terminal status and stamps the
	// processed time. Returns ErrInvalidTransition for any other move.
	MarkEvent(ctx context.Context, entryID string, status EventStatus, detail string, at time.Time) error

	// GetEvent returns the entry for a provider event id.
	GetEvent(ctx context.Context, eventID string) (*EventLogEntry, error)
}

// SubscriptionReader looks up subscription records. Every method returns
// ErrSubscriptionNotFound when nothing matches.
type SubscriptionReader interface {
	GetByTenantID(ctx context.Context, tenantID string) (*Subscription, error)
	GetByCustomerID(ctx context.Context, customerID string) (*Subscription, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// UsageReader aggregates the tenant usage counters.
type UsageReader interface {
	// SumUsage returns the units recorded for tenantID in (from, to].
	SumUsage(ctx context.Context, tenantID string, from, to time.Time) (int64, error)
}

// Tx is the transactional view handed to event handlers. Reads inside a Tx
// may lock the returned rows until commit.
type Tx interface {
	SubscriptionReader

	// SaveSubscription writes the reconciler-owned fields of sub.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// MarkEvent transitions an entry inside the transaction.
	MarkEvent(ctx context.Context, entryID string, status EventStatus, detail string, at time.Time) error
}

// Store is everything the reconciler and synchronizer need from persistence.
type Store interface {
	EventLog
	SubscriptionReader
	UsageReader

	// WithTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ListSyncCandidates returns records with a subscription id, a meter item
	// id and status active or trialing. An empty tenantID means all tenants.
	ListSyncCandidates(ctx context.Context, tenantID string) ([]*Subscription, error)

	// AdvanceUsageMark moves the tenant high-water mark forward to until.
	// A mark already at or past until is left alone.
	AdvanceUsageMark(ctx context.Context, tenantID string, until time.Time) error

	// SetCustomerID persists a provider customer id resolved outside of
	// webhook handling, e.g. while opening a checkout session.
	SetCustomerID(ctx context.Context, tenantID, customerID string) error
}

// UsageSubmitter pushes usage increments to the provider.
type UsageSubmitter interface {
	SubmitUsage(ctx context.Context, rec UsageRecord) (SubmitOutcome, error)
}

// Locker provides mutual exclusion across processes.
type Locker interface {
	// TryLock acquires key for ttl or returns ErrLockHeld.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. It expires after its ttl unless refreshed.
type Lease interface {
	// Refresh pushes the expiry ttl into the future. It returns ErrLockLost
	// when the lease already expired or another holder took the key.
	Refresh(ctx context.Context, ttl time.Duration) error

	// Release gives the key up. Releasing a lost lease is a no-op.
	Release(ctx context.Context) error
}

// SubscriptionCache holds subscription snapshots for request-time checks.
type SubscriptionCache interface {
	Get(ctx context.Context, tenantID string) (*Subscription, error)
	Set(ctx context.Context, sub *Subscription) error
	Invalidate(ctx context.Context, tenantID string) error
}

// UsageRecorder appends metered units for a tenant. It is the write path
// whose totals UsageReader later aggregates.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, tenantID string, units int64, at time.Time) error
}
