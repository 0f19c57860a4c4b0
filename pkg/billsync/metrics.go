package billsync

import "time"

// Metrics defines the interface for tracking reconciliation and sync activity.
type Metrics interface {
	// RecordWebhookOutcome records a delivery outcome: duplicate, processed,
	// ignored, failed or rejected.
	RecordWebhookOutcome(eventType, outcome string)

	// RecordWebhookDuration records how long a delivery took to handle.
	RecordWebhookDuration(eventType string, duration time.Duration)

	// RecordSyncTenant records one tenant's sync result: submitted, skipped,
	// dry_run or error.
	RecordSyncTenant(result string)

	// RecordSyncUnits records units submitted to the provider.
	RecordSyncUnits(units int64)

	// RecordSyncDuration records a full pass duration.
	RecordSyncDuration(duration time.Duration)

	// RecordEntitlementCheck records an entitlement lookup and whether it hit the cache.
	RecordEntitlementCheck(cacheHit bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookOutcome(_, _ string)                {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordSyncTenant(_ string)                       {}
func (n *NoopMetrics) RecordSyncUnits(_ int64)                         {}
func (n *NoopMetrics) RecordSyncDuration(_ time.Duration)              {}
func (n *NoopMetrics) RecordEntitlementCheck(_ bool)                   {}
