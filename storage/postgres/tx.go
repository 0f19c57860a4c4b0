package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// txStore is the billsync.Tx view over one pgx transaction. Reads take row
// locks that are held until commit or rollback.
type txStore struct {
	q querier
}

func (t *txStore) GetByTenantID(ctx context.Context, tenantID string) (*billsync.Subscription, error) {
	return getSubscription(ctx, t.q, "tenant_id", tenantID, true)
}

func (t *txStore) GetByCustomerID(ctx context.Context, customerID string) (*billsync.Subscription, error) {
	return getSubscription(ctx, t.q, "customer_id", customerID, true)
}

func (t *txStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*billsync.Subscription, error) {
	return getSubscription(ctx, t.q, "subscription_id", subscriptionID, true)
}

// SaveSubscription writes the fields owned by event handling. The usage mark
// and tenant profile columns are left untouched.
func (t *txStore) SaveSubscription(ctx context.Context, sub *billsync.Subscription) error {
	if sub == nil || sub.TenantID == "" {
		return fmt.Errorf("invalid subscription")
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE tenant_subscriptions SET
				customer_id = NULLIF($2, ''),
				subscription_id = NULLIF($3, ''),
				meter_item_id = NULLIF($4, ''),
				status = $5,
				period_end = $6,
				updated_at = $7
			WHERE tenant_id = $1`,
		sub.TenantID, sub.CustomerID, sub.SubscriptionID, sub.MeterItemID,
		string(sub.Status), utcPtr(sub.PeriodEnd), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrSubscriptionNotFound
	}
	return nil
}

func (t *txStore) MarkEvent(ctx context.Context, entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	return markEvent(ctx, t.q, entryID, status, detail, at)
}
