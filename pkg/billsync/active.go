package billsync

import (
	"context"
	"errors"
	"time"
)

// IsActive reports whether sub currently entitles its tenant to service:
// billing enabled, status active or trialing, and a period end that is either
// unset or strictly after now.
func IsActive(sub *Subscription, now time.Time) bool {
	if sub == nil || !sub.BillingEnabled {
		return false
	}
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		return false
	}
	return sub.PeriodEnd == nil || sub.PeriodEnd.After(now)
}

// IsActive reports whether the subscription is active at now.
func (s *Subscription) IsActive(now time.Time) bool {
	return IsActive(s, now)
}

// Entitlements answers whether a tenant may use the service right now.
// *EntitlementChecker implements it.
type Entitlements interface {
	IsTenantActive(ctx context.Context, tenantID string) (bool, error)
}

// EntitlementChecker answers request-time "may this tenant use the service"
// questions, optionally fronted by a snapshot cache.
type EntitlementChecker struct {
	subs    SubscriptionReader
	cache   SubscriptionCache
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// EntitlementConfig configures an EntitlementChecker.
type EntitlementConfig struct {
	// Cache is optional. Cache errors other than ErrCacheMiss are logged and
	// the checker falls through to the reader.
	Cache   SubscriptionCache
	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// NewEntitlementChecker creates a checker backed by subs.
func NewEntitlementChecker(subs SubscriptionReader, config EntitlementConfig) (*EntitlementChecker, error) {
	if subs == nil {
		return nil, ErrConfiguration
	}
	c := &EntitlementChecker{
		subs:    subs,
		cache:   config.Cache,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
	if c.logger == nil {
		c.logger = &NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = &NoopMetrics{}
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c, nil
}

// IsTenantActive reports whether tenantID has an active subscription.
// Unknown tenants are inactive, not an error.
func (c *EntitlementChecker) IsTenantActive(ctx context.Context, tenantID string) (bool, error) {
	sub, err := c.lookup(ctx, tenantID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return IsActive(sub, c.now()), nil
}

func (c *EntitlementChecker) lookup(ctx context.Context, tenantID string) (*Subscription, error) {
	if c.cache != nil {
		sub, err := c.cache.Get(ctx, tenantID)
		if err == nil {
			c.metrics.RecordEntitlementCheck(true)
			return sub, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("entitlement cache read failed", F("tenant_id", tenantID), F("error", err))
		}
	}
	c.metrics.RecordEntitlementCheck(false)

	sub, err := c.subs.GetByTenantID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, sub); err != nil {
			c.logger.Warn("entitlement cache write failed", F("tenant_id", tenantID), F("error", err))
		}
	}
	return sub, nil
}

// Invalidate drops any cached snapshot for tenantID.
func (c *EntitlementChecker) Invalidate(ctx context.Context, tenantID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, tenantID); err != nil {
		c.logger.Warn("entitlement cache invalidation failed", F("tenant_id", tenantID), F("error", err))
	}
}
