package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

type pendingMark struct {
	entryID string
	status  billsync.EventStatus
	detail  string
	at      time.Time
}

// tx buffers writes and applies them atomically on commit.
type tx struct {
	s     *Storage
	saves map[string]*billsync.Subscription
	order []string
	marks []pendingMark
}

// WithTx implements billsync.Store. Writes are staged and applied under the
// store lock only when fn succeeds, so a failed fn leaves no trace.
func (s *Storage) WithTx(ctx context.Context, fn func(billsync.Tx) error) error {
	t := &tx{s: s, saves: make(map[string]*billsync.Subscription)}
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, tenantID := range t.order {
		if _, ok := t.s.subs[tenantID]; !ok {
			return billsync.ErrSubscriptionNotFound
		}
		if err := t.s.checkUniqueLocked(t.saves[tenantID]); err != nil {
			return err
		}
	}
	for _, m := range t.marks {
		entry, err := t.s.entryLocked(m.entryID)
		if err != nil {
			return err
		}
		if !billsync.CanTransition(entry.Status, m.status) {
			return fmt.Errorf("%w: %s -> %s", billsync.ErrInvalidTransition, entry.Status, m.status)
		}
	}

	for _, tenantID := range t.order {
		applyReconciled(t.s.subs[tenantID], t.saves[tenantID])
	}
	for _, m := range t.marks {
		if err := t.s.markLocked(m.entryID, m.status, m.detail, m.at); err != nil {
			return err
		}
	}
	return nil
}

// applyReconciled copies the fields owned by event handling. The usage mark
// belongs to the synchronizer and is never overwritten here.
func applyReconciled(dst, src *billsync.Subscription) {
	c := src.Clone()
	dst.CustomerID = c.CustomerID
	dst.SubscriptionID = c.SubscriptionID
	dst.MeterItemID = c.MeterItemID
	dst.Status = c.Status
	dst.PeriodEnd = c.PeriodEnd
	dst.UpdatedAt = c.UpdatedAt
}

func (t *tx) staged(match func(*billsync.Subscription) bool) *billsync.Subscription {
	for _, tenantID := range t.order {
		if sub := t.saves[tenantID]; match(sub) {
			return sub.Clone()
		}
	}
	return nil
}

func (t *tx) GetByTenantID(ctx context.Context, tenantID string) (*billsync.Subscription, error) {
	if sub, ok := t.saves[tenantID]; ok {
		return sub.Clone(), nil
	}
	return t.s.GetByTenantID(ctx, tenantID)
}

func (t *tx) GetByCustomerID(_ context.Context, customerID string) (*billsync.Subscription, error) {
	match := func(sub *billsync.Subscription) bool { return sub.CustomerID == customerID }
	return t.find(customerID, match)
}

func (t *tx) GetBySubscriptionID(_ context.Context, subscriptionID string) (*billsync.Subscription, error) {
	match := func(sub *billsync.Subscription) bool { return sub.SubscriptionID == subscriptionID }
	return t.find(subscriptionID, match)
}

func (t *tx) find(key string, match func(*billsync.Subscription) bool) (*billsync.Subscription, error) {
	if key == "" {
		return nil, billsync.ErrSubscriptionNotFound
	}
	if sub := t.staged(match); sub != nil {
		return sub, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for tenantID, sub := range t.s.subs {
		if _, shadowed := t.saves[tenantID]; shadowed {
			continue
		}
		if match(sub) {
			return sub.Clone(), nil
		}
	}
	return nil, billsync.ErrSubscriptionNotFound
}

func (t *tx) SaveSubscription(_ context.Context, sub *billsync.Subscription) error {
	if sub == nil || sub.TenantID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if _, ok := t.saves[sub.TenantID]; !ok {
		t.order = append(t.order, sub.TenantID)
	}
	t.saves[sub.TenantID] = sub.Clone()
	return nil
}

func (t *tx) MarkEvent(_ context.Context, entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	t.marks = append(t.marks, pendingMark{entryID: entryID, status: status, detail: detail, at: at})
	return nil
}
