package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobillsync/pkg/api"
	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
	"github.com/mihaimyh/gobillsync/storage/memory"
)

const (
	testAdminToken = "admin-secret"
	validSignature = "valid"
)

// fakeProvider accepts bodies signed with validSignature and decodes them
// as billsync.Event JSON.
type fakeProvider struct {
	mu             sync.Mutex
	notConfigured  bool
	customerID     string
	customerErr    error
	checkoutErr    error
	lineItemsErr   error
	portalReturn   string
	resolveCalls   int
	checkoutTenant string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ResolveOrCreateCustomer(_ context.Context, tenant *billsync.Subscription) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveCalls++
	if p.customerErr != nil {
		return "", p.customerErr
	}
	if tenant.CustomerID != "" {
		return tenant.CustomerID, nil
	}
	return p.customerID, nil
}

func (p *fakeProvider) SubscriptionLineItems() ([]billing.LineItem, error) {
	if p.lineItemsErr != nil {
		return nil, p.lineItemsErr
	}
	return []billing.LineItem{{PriceID: "price_base", Quantity: 1}, {PriceID: "price_metered"}}, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, tenant *billsync.Subscription, customerID string, _ []billing.LineItem) (*billing.CheckoutSession, error) {
	if p.checkoutErr != nil {
		return nil, p.checkoutErr
	}
	p.mu.Lock()
	p.checkoutTenant = tenant.TenantID
	p.mu.Unlock()
	return &billing.CheckoutSession{ID: "cs_" + customerID, URL: "https://checkout.test/" + customerID}, nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (*billing.PortalSession, error) {
	p.mu.Lock()
	p.portalReturn = returnURL
	p.mu.Unlock()
	return &billing.PortalSession{URL: "https://portal.test/" + customerID}, nil
}

func (p *fakeProvider) SubmitUsage(context.Context, billsync.UsageRecord) (billsync.SubmitOutcome, error) {
	return billsync.SubmitAccepted, nil
}

func (p *fakeProvider) VerifyAndDecode(payload []byte, sig string) (*billsync.Event, error) {
	if p.notConfigured {
		return nil, billing.ErrProviderNotConfigured
	}
	if sig != validSignature {
		return nil, billing.ErrInvalidWebhookSignature
	}
	var ev billsync.Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.ID == "" {
		return nil, billing.ErrInvalidWebhookPayload
	}
	return &ev, nil
}

type stubSyncer struct {
	err     error
	results []billsync.SyncResult
	got     billsync.SyncRequest
}

func (s *stubSyncer) SyncUsage(_ context.Context, req billsync.SyncRequest) ([]billsync.SyncResult, error) {
	s.got = req
	return s.results, s.err
}

type fixture struct {
	store    *memory.Storage
	provider *fakeProvider
	syncer   *stubSyncer
	handler  *api.Handler
}

func newFixture(t *testing.T, mutate ...func(*api.Config)) *fixture {
	t.Helper()
	store := memory.New()
	rec, err := billsync.NewReconciler(store, billsync.ReconcilerConfig{MeteredPriceID: "price_metered"})
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		provider: &fakeProvider{customerID: "cus_new"},
		syncer:   &stubSyncer{},
	}
	cfg := api.Config{
		Provider:   f.provider,
		Events:     rec,
		Syncer:     f.syncer,
		Store:      store,
		AdminToken: testAdminToken,
		Now:        func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.handler, err = api.NewHandler(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) webhook(t *testing.T, ev billsync.Event, sig string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodPost, api.PathWebhook, ev, map[string]string{"Stripe-Signature": sig})
}

func (f *fixture) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + testAdminToken})
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["status"]
}

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	_, err := api.NewHandler(api.Config{})
	assert.ErrorIs(t, err, billsync.ErrConfiguration)
}

func TestWebhook_ProcessedThenDuplicate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertSubscription(context.Background(), &billsync.Subscription{
		TenantID: "t1", CustomerID: "cus_1", SubscriptionID: "sub_1", Status: billsync.StatusActive, BillingEnabled: true,
	}))
	ev := billsync.Event{
		ID:      "evt_1",
		Type:    billsync.EventInvoicePaymentFailed,
		Invoice: &billsync.InvoicePayload{ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1"},
	}

	rec := f.webhook(t, ev, validSignature)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", decodeStatus(t, rec))

	sub, err := f.store.GetByTenantID(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusPastDue, sub.Status)

	rec = f.webhook(t, ev, validSignature)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeStatus(t, rec))
	assert.Equal(t, 1, f.store.Count())
}

func TestWebhook_Ignored(t *testing.T) {
	f := newFixture(t)
	rec := f.webhook(t, billsync.Event{ID: "evt_x", Type: "customer.created"}, validSignature)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeStatus(t, rec))
}

func TestWebhook_HandlerFailureIs500(t *testing.T) {
	f := newFixture(t)
	// A subscription event without its object fails the handler.
	ev := billsync.Event{ID: "evt_fail", Type: billsync.EventSubscriptionUpdated}
	rec := f.webhook(t, ev, validSignature)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed", decodeStatus(t, rec))

	entry, err := f.store.GetEvent(context.Background(), "evt_fail")
	require.NoError(t, err)
	assert.Equal(t, billsync.EventFailed, entry.Status)
	assert.NotEmpty(t, entry.Error)
}

func TestWebhook_TransportErrorsAre400AndNeverLogged(t *testing.T) {
	f := newFixture(t)

	rec := f.webhook(t, billsync.Event{ID: "evt_1", Type: billsync.EventInvoicePaid}, "tampered")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, api.PathWebhook, "", map[string]string{"Stripe-Signature": validSignature})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, api.PathWebhook, "{not json", map[string]string{"Stripe-Signature": validSignature})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, f.store.Count())
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	f := newFixture(t, func(c *api.Config) { c.MaxBodyBytes = 16 })
	rec := f.do(t, http.MethodPost, api.PathWebhook, strings.Repeat("x", 64), map[string]string{"Stripe-Signature": validSignature})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, f.store.Count())
}

func TestWebhook_NotConfiguredIs500(t *testing.T) {
	f := newFixture(t)
	f.provider.notConfigured = true
	rec := f.webhook(t, billsync.Event{ID: "evt_1", Type: billsync.EventInvoicePaid}, validSignature)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, f.store.Count())
}

func TestWebhook_RateLimited(t *testing.T) {
	f := newFixture(t, func(c *api.Config) { c.WebhookRateLimit = 2 })
	ev := billsync.Event{ID: "evt_rl", Type: "customer.created"}
	assert.Equal(t, http.StatusOK, f.webhook(t, ev, validSignature).Code)
	assert.Equal(t, http.StatusOK, f.webhook(t, ev, validSignature).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.webhook(t, ev, validSignature).Code)
}

func TestAdmin_RequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, api.PathSyncUsage, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, api.PathSyncUsage, nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	disabled := newFixture(t, func(c *api.Config) { c.AdminToken = "" })
	rec = disabled.admin(t, http.MethodPost, api.PathSyncUsage, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_SyncUsage(t *testing.T) {
	f := newFixture(t)
	until := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.syncer.results = []billsync.SyncResult{{TenantID: "t1", Units: 8, SyncedUntil: until, DryRun: true}}

	rec := f.admin(t, http.MethodPost, api.PathSyncUsage, api.SyncUsageRequest{TenantID: "t1", DryRun: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billsync.SyncRequest{TenantID: "t1", DryRun: true}, f.syncer.got)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0]["tenant_id"])
	assert.Equal(t, float64(8), got[0]["synced_units"])
	assert.Equal(t, true, got[0]["dry_run"])

	// An empty body syncs everything and an empty pass is an empty list.
	f.syncer.results = nil
	rec = f.admin(t, http.MethodPost, api.PathSyncUsage, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, billsync.SyncRequest{}, f.syncer.got)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAdmin_SyncUsageConflict(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = billsync.ErrSyncInProgress
	rec := f.admin(t, http.MethodPost, api.PathSyncUsage, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdmin_SyncUsageRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	rec := f.admin(t, http.MethodPost, api.PathSyncUsage, `{"tenant":"t1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_CheckoutSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertSubscription(ctx, &billsync.Subscription{TenantID: "t1", TenantEmail: "a@b.test"}))

	rec := f.admin(t, http.MethodPost, api.PathCheckoutSession, api.CheckoutSessionRequest{TenantID: "t1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"session_id":"cs_cus_new","checkout_url":"https://checkout.test/cus_new"}`, rec.Body.String())
	assert.Equal(t, "t1", f.provider.checkoutTenant)

	sub, err := f.store.GetByTenantID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", sub.CustomerID, "resolved customer is persisted")
}

func TestAdmin_CheckoutSessionErrors(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertSubscription(context.Background(), &billsync.Subscription{TenantID: "t1"}))

	rec := f.admin(t, http.MethodPost, api.PathCheckoutSession, api.CheckoutSessionRequest{TenantID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.admin(t, http.MethodPost, api.PathCheckoutSession, api.CheckoutSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.provider.lineItemsErr = billing.ErrPriceNotConfigured
	rec = f.admin(t, http.MethodPost, api.PathCheckoutSession, api.CheckoutSessionRequest{TenantID: "t1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, f.provider.resolveCalls, "configuration errors fail before any provider call")

	f.provider.lineItemsErr = nil
	f.provider.checkoutErr = &billing.ProviderError{Provider: "fake", Op: "checkout", Kind: billing.KindTransient, Err: errors.New("down")}
	rec = f.admin(t, http.MethodPost, api.PathCheckoutSession, api.CheckoutSessionRequest{TenantID: "t1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.provider.checkoutErr = &billing.ProviderError{Provider: "fake", Op: "checkout", Kind: billing.KindPermanent, Err: errors.New("bad price")}
	rec = f.admin(t, http.MethodPost, api.PathCheckoutSession, api.CheckoutSessionRequest{TenantID: "t1"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAdmin_PortalSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertSubscription(context.Background(), &billsync.Subscription{TenantID: "t1", CustomerID: "cus_1"}))

	rec := f.admin(t, http.MethodPost, api.PathPortalSession, api.PortalSessionRequest{TenantID: "t1", ReturnURL: "https://app.test/back"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"portal_url":"https://portal.test/cus_1"}`, rec.Body.String())
	assert.Equal(t, "https://app.test/back", f.provider.portalReturn)

	rec = f.admin(t, http.MethodPost, api.PathPortalSession, api.PortalSessionRequest{TenantID: "t1", ReturnURL: "not a url"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_GetEvent(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.webhook(t, billsync.Event{ID: "evt_9", Type: "customer.created"}, validSignature).Code)

	rec := f.admin(t, http.MethodGet, "/billing/stripe/events/evt_9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry billsync.EventLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "evt_9", entry.EventID)
	assert.Equal(t, billsync.EventIgnored, entry.Status)
	assert.NotNil(t, entry.ProcessedAt)

	rec = f.admin(t, http.MethodGet, "/billing/stripe/events/evt_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_UsageSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.RecordUsage(ctx, "t1", 5, base))
	require.NoError(t, f.store.RecordUsage(ctx, "t1", 3, base.Add(time.Hour)))

	rec := f.admin(t, http.MethodGet, api.PathUsageSummary+"?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary api.UsageSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(8), summary.Units)
	assert.True(t, summary.From.Equal(time.Unix(0, 0)))

	rec = f.admin(t, http.MethodGet, api.PathUsageSummary+"?tenant_id=t1&from=2026-03-01T10:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(3), summary.Units, "from is exclusive")

	rec = f.admin(t, http.MethodGet, api.PathUsageSummary, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.admin(t, http.MethodGet, api.PathUsageSummary+"?tenant_id=t1&from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
