package billing

import (
	"context"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// Provider is the adapter over a billing backend's RPCs. Implementations own
// their retry and timeout policy.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// ResolveOrCreateCustomer returns the tenant's live customer id, creating
	// a customer when none is stored or the stored one was deleted.
	ResolveOrCreateCustomer(ctx context.Context, tenant *billsync.Subscription) (string, error)

	// SubscriptionLineItems returns the configured line items for new
	// subscriptions, or ErrPriceNotConfigured.
	SubscriptionLineItems() ([]LineItem, error)

	// CreateCheckoutSession opens a hosted subscription checkout.
	CreateCheckoutSession(ctx context.Context, tenant *billsync.Subscription, customerID string, items []LineItem) (*CheckoutSession, error)

	// CreatePortalSession opens the hosted billing portal for a customer.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*PortalSession, error)

	// SubmitUsage sends one usage increment. Non-positive quantities are
	// skipped without contacting the provider.
	SubmitUsage(ctx context.Context, rec billsync.UsageRecord) (billsync.SubmitOutcome, error)

	// VerifyAndDecode checks the signature of a webhook body and decodes it.
	// Failures wrap ErrInvalidWebhookSignature or ErrInvalidWebhookPayload.
	VerifyAndDecode(payload []byte, signatureHeader string) (*billsync.Event, error)
}

// LineItem is one price in a checkout. A zero Quantity leaves the quantity
// unset, as metered prices require.
type LineItem struct {
	PriceID  string
	Quantity int64
}

// CheckoutSession is a created hosted checkout.
type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"checkout_url"`
}

// PortalSession is a created billing portal session.
type PortalSession struct {
	URL string `json:"portal_url"`
}
