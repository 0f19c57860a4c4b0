package billsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
	"github.com/mihaimyh/gobillsync/storage/memory"
)

const (
	testTenantA      = "tenant-a"
	testTenantB      = "tenant-b"
	testCustomerA    = "cus_A"
	testCustomerB    = "cus_B"
	testSubA         = "sub_A"
	testMeteredPrice = "price_metered"
	testBasePrice    = "price_base"
	testMeterItem    = "si_metered"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedTenant(t *testing.T, store *memory.Storage, sub *billsync.Subscription) {
	t.Helper()
	require.NoError(t, store.UpsertSubscription(context.Background(), sub))
}

func mustGet(t *testing.T, store *memory.Storage, tenantID string) *billsync.Subscription {
	t.Helper()
	sub, err := store.GetByTenantID(context.Background(), tenantID)
	require.NoError(t, err)
	return sub
}

// failingStore injects failures into the transactional view.
type failingStore struct {
	*memory.Storage
	saveErr   error
	markErr   error
	panicSave bool
}

func (f *failingStore) WithTx(ctx context.Context, fn func(billsync.Tx) error) error {
	return f.Storage.WithTx(ctx, func(tx billsync.Tx) error {
		return fn(&failingTx{Tx: tx, store: f})
	})
}

type failingTx struct {
	billsync.Tx
	store *failingStore
}

func (t *failingTx) SaveSubscription(ctx context.Context, sub *billsync.Subscription) error {
	if t.store.panicSave {
		panic("boom")
	}
	if t.store.saveErr != nil {
		return t.store.saveErr
	}
	return t.Tx.SaveSubscription(ctx, sub)
}

func (t *failingTx) MarkEvent(ctx context.Context, entryID string, status billsync.EventStatus, detail string, at time.Time) error {
	if t.store.markErr != nil {
		return t.store.markErr
	}
	return t.Tx.MarkEvent(ctx, entryID, status, detail, at)
}

type fakeSubmitter struct {
	mu      sync.Mutex
	records []billsync.UsageRecord
	failFor map[string]error
}

func (f *fakeSubmitter) SubmitUsage(_ context.Context, rec billsync.UsageRecord) (billsync.SubmitOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[rec.TenantID]; err != nil {
		return billsync.SubmitAccepted, err
	}
	if rec.Quantity <= 0 {
		return billsync.SubmitSkipped, nil
	}
	f.records = append(f.records, rec)
	return billsync.SubmitAccepted, nil
}

func (f *fakeSubmitter) calls() []billsync.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billsync.UsageRecord(nil), f.records...)
}
