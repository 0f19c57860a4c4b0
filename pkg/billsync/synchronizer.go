package billsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	syncLockKey        = "usage-sync"
	defaultSyncLockTTL = 15 * time.Minute
)

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	// Locker guards against overlapping passes. Optional.
	Locker Locker

	// LockTTL bounds how long a crashed pass can hold the lock.
	// Default: 15m
	LockTTL time.Duration

	// LockRefreshInterval is how often a running pass extends its lease.
	// Default: LockTTL / 3
	LockRefreshInterval time.Duration

	// SettleDelay holds the end of every window this far behind the clock.
	// Usage is stamped before its insert commits, so a row stamped just
	// before a pass may still be invisible to it. Windows ending SettleDelay
	// in the past leave those inserts time to land.
	// Default: 0
	SettleDelay time.Duration

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Synchronizer pushes locally accumulated usage to the provider and advances
// each tenant's high-water mark.
type Synchronizer struct {
	store     Store
	submitter UsageSubmitter
	locker    Locker
	lockTTL   time.Duration
	refresh   time.Duration
	settle    time.Duration
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store Store, submitter UsageSubmitter, config SynchronizerConfig) (*Synchronizer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	if submitter == nil {
		return nil, fmt.Errorf("%w: usage submitter is required", ErrConfiguration)
	}
	s := &Synchronizer{
		store:     store,
		submitter: submitter,
		locker:    config.Locker,
		lockTTL:   config.LockTTL,
		refresh:   config.LockRefreshInterval,
		settle:    config.SettleDelay,
		logger:    config.Logger,
		metrics:   config.Metrics,
		now:       config.Now,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultSyncLockTTL
	}
	if s.settle < 0 {
		s.settle = 0
	}
	if s.refresh <= 0 || s.refresh >= s.lockTTL {
		s.refresh = s.lockTTL / 3
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// keepLease refreshes lease every refresh interval until the returned stop
// function is called. A failed refresh sets lost and ends the loop.
func (s *Synchronizer) keepLease(ctx context.Context, lease Lease, lost *atomic.Bool) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Refresh(ctx, s.lockTTL); err != nil {
					lost.Store(true)
					s.logger.Error("sync lock lease lost", F("error", err))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// SyncUsage runs one pass over the eligible subscriptions.
//
// Every tenant in the pass shares one "now". Each tenant is committed on its
// own: a failure for one tenant is reported in its result and leaves its mark
// untouched, while the others proceed. The returned error is reserved for
// failures that prevent the pass from running at all.
//
// The lock lease is extended in the background while the pass runs. If it is
// lost the pass stops before the next tenant and returns ErrLockLost with the
// results gathered so far.
func (s *Synchronizer) SyncUsage(ctx context.Context, req SyncRequest) ([]SyncResult, error) {
	var lost atomic.Bool
	if s.locker != nil && !req.DryRun {
		lease, err := s.locker.TryLock(ctx, syncLockKey, s.lockTTL)
		if errors.Is(err, ErrLockHeld) {
			return nil, ErrSyncInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("acquire sync lock: %w", err)
		}
		stop := s.keepLease(ctx, lease, &lost)
		defer func() {
			stop()
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release sync lock", F("error", err))
			}
		}()
	}

	start := time.Now()
	defer func() { s.metrics.RecordSyncDuration(time.Since(start)) }()

	subs, err := s.store.ListSyncCandidates(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list sync candidates: %w", err)
	}

	now := s.now().Add(-s.settle)
	results := make([]SyncResult, 0, len(subs))
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if lost.Load() {
			return results, ErrLockLost
		}
		res := s.syncTenant(ctx, sub, now, req.DryRun)
		results = append(results, res)
	}

	s.logger.Info("usage sync pass finished",
		F("tenants", len(results)),
		F("dry_run", req.DryRun),
		F("duration", time.Since(start).String()))
	return results, nil
}

func (s *Synchronizer) syncTenant(ctx context.Context, sub *Subscription, now time.Time, dryRun bool) SyncResult {
	res := SyncResult{TenantID: sub.TenantID, SyncedUntil: now, DryRun: dryRun}

	from := time.Unix(0, 0).UTC()
	if sub.UsageSyncedUntil != nil {
		from = *sub.UsageSyncedUntil
	}
	units, err := s.store.SumUsage(ctx, sub.TenantID, from, now)
	if err != nil {
		return s.tenantFailed(res, "sum usage", err)
	}
	res.Units = units

	if dryRun {
		s.metrics.RecordSyncTenant("dry_run")
		return res
	}

	if units > 0 {
		outcome, err := s.submitter.SubmitUsage(ctx, UsageRecord{
			TenantID:    sub.TenantID,
			CustomerID:  sub.CustomerID,
			MeterItemID: sub.MeterItemID,
			Quantity:    units,
			WindowStart: from,
			Timestamp:   now,
		})
		if err != nil {
			return s.tenantFailed(res, "submit usage", err)
		}
		res.Submitted = outcome == SubmitAccepted
	}

	// Advance even for zero usage so sparse tenants do not rescan a growing window.
	// Once the provider holds the units the mark must land even if the pass
	// is being cancelled, or the next pass would bill them again.
	markCtx := ctx
	if res.Submitted {
		markCtx = context.WithoutCancel(ctx)
	}
	if err := s.store.AdvanceUsageMark(markCtx, sub.TenantID, now); err != nil {
		return s.tenantFailed(res, "advance usage mark", err)
	}

	if res.Submitted {
		s.metrics.RecordSyncTenant("submitted")
		s.metrics.RecordSyncUnits(units)
	} else {
		s.metrics.RecordSyncTenant("skipped")
	}
	s.logger.Debug("tenant usage synced",
		F("tenant_id", sub.TenantID),
		F("units", units),
		F("submitted", res.Submitted))
	return res
}

func (s *Synchronizer) tenantFailed(res SyncResult, op string, err error) SyncResult {
	res.Error = fmt.Sprintf("%s: %v", op, err)
	res.Submitted = false
	s.metrics.RecordSyncTenant("error")
	s.logger.Error("tenant usage sync failed",
		F("tenant_id", res.TenantID),
		F("op", op),
		F("error", err))
	return res
}

// Run executes a non-dry-run pass every interval until ctx is done.
// A pass skipped because another holds the lock is not an error.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sync interval must be positive", ErrConfiguration)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SyncUsage(ctx, SyncRequest{}); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					s.logger.Info("usage sync skipped, another pass is running")
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("usage sync pass failed", F("error", err))
			}
		}
	}
}
