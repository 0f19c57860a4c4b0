package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

const subscriptionColumns = `tenant_id, tenant_name, tenant_email,
	COALESCE(customer_id, ''), COALESCE(subscription_id, ''), COALESCE(meter_item_id, ''),
	status, period_end, billing_enabled, usage_synced_until, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*billsync.Subscription, error) {
	var (
		sub         billsync.Subscription
		status      string
		periodEnd   *time.Time
		syncedUntil *time.Time
	)
	err := row.Scan(&sub.TenantID, &sub.TenantName, &sub.TenantEmail,
		&sub.CustomerID, &sub.SubscriptionID, &sub.MeterItemID,
		&status, &periodEnd, &sub.BillingEnabled, &syncedUntil, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = billsync.SubscriptionStatus(status)
	sub.PeriodEnd = utcPtr(periodEnd)
	sub.UsageSyncedUntil = utcPtr(syncedUntil)
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// getSubscription runs a single-row lookup. lock appends FOR UPDATE.
func getSubscription(ctx context.Context, q querier, column, value string, lock bool) (*billsync.Subscription, error) {
	if value == "" {
		return nil, billsync.ErrSubscriptionNotFound
	}
	query := `SELECT ` + subscriptionColumns + ` FROM tenant_subscriptions WHERE ` + column + ` = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	sub, err := scanSubscription(q.QueryRow(ctx, query, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by %s: %w", column, err)
	}
	return sub, nil
}

// GetByTenantID implements billsync.SubscriptionReader
func (s *Storage) GetByTenantID(ctx context.Context, tenantID string) (*billsync.Subscription, error) {
	return getSubscription(ctx, s.pool, "tenant_id", tenantID, false)
}

// GetByCustomerID implements billsync.SubscriptionReader
func (s *Storage) GetByCustomerID(ctx context.Context, customerID string) (*billsync.Subscription, error) {
	return getSubscription(ctx, s.pool, "customer_id", customerID, false)
}

// GetBySubscriptionID implements billsync.SubscriptionReader
func (s *Storage) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*billsync.Subscription, error) {
	return getSubscription(ctx, s.pool, "subscription_id", subscriptionID, false)
}

// UpsertSubscription stores a full record, as tenant onboarding would.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billsync.Subscription) error {
	if sub == nil || sub.TenantID == "" {
		return fmt.Errorf("invalid subscription")
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_subscriptions (tenant_id, tenant_name, tenant_email,
				customer_id, subscription_id, meter_item_id,
				status, period_end, billing_enabled, usage_synced_until, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11)
			ON CONFLICT (tenant_id) DO UPDATE SET
				tenant_name = EXCLUDED.tenant_name,
				tenant_email = EXCLUDED.tenant_email,
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				meter_item_id = EXCLUDED.meter_item_id,
				status = EXCLUDED.status,
				period_end = EXCLUDED.period_end,
				billing_enabled = EXCLUDED.billing_enabled,
				usage_synced_until = EXCLUDED.usage_synced_until,
				updated_at = EXCLUDED.updated_at`,
		sub.TenantID, sub.TenantName, sub.TenantEmail,
		sub.CustomerID, sub.SubscriptionID, sub.MeterItemID,
		string(sub.Status), utcPtr(sub.PeriodEnd), sub.BillingEnabled, utcPtr(sub.UsageSyncedUntil), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ListSyncCandidates implements billsync.Store
func (s *Storage) ListSyncCandidates(ctx context.Context, tenantID string) ([]*billsync.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM tenant_subscriptions
			WHERE subscription_id IS NOT NULL
				AND COALESCE(meter_item_id, '') <> ''
				AND status IN ('active', 'trialing')
				AND ($1::TEXT = '' OR tenant_id = $1::TEXT)
			ORDER BY tenant_id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync candidates: %w", err)
	}
	defer rows.Close()

	var out []*billsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync candidate: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sync candidates: %w", err)
	}
	return out, nil
}

// AdvanceUsageMark implements billsync.Store. The mark only moves forward.
func (s *Storage) AdvanceUsageMark(ctx context.Context, tenantID string, until time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenant_subscriptions SET usage_synced_until = $2
			WHERE tenant_id = $1 AND (usage_synced_until IS NULL OR usage_synced_until < $2)`,
		tenantID, until.UTC())
	if err != nil {
		return fmt.Errorf("failed to advance usage mark: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Nothing updated: either the mark is already ahead or the tenant is unknown.
	_, err = s.GetByTenantID(ctx, tenantID)
	return err
}

// SetCustomerID implements billsync.Store
func (s *Storage) SetCustomerID(ctx context.Context, tenantID, customerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenant_subscriptions SET customer_id = NULLIF($2, ''), updated_at = now()
			WHERE tenant_id = $1`,
		tenantID, customerID)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrSubscriptionNotFound
	}
	return nil
}
