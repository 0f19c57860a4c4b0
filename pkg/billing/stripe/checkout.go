package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// SubscriptionLineItems implements billing.Provider: one base seat plus the
// metered price, whose quantity must stay unset.
func (p *Provider) SubscriptionLineItems() ([]billing.LineItem, error) {
	if p.config.BasePriceID == "" || p.config.MeteredPriceID == "" {
		return nil, fmt.Errorf("%w: base and metered price ids are required", billing.ErrPriceNotConfigured)
	}
	return []billing.LineItem{
		{PriceID: p.config.BasePriceID, Quantity: 1},
		{PriceID: p.config.MeteredPriceID},
	}, nil
}

// CreateCheckoutSession implements billing.Provider
func (p *Provider) CreateCheckoutSession(ctx context.Context, tenant *billsync.Subscription, customerID string, items []billing.LineItem) (*billing.CheckoutSession, error) {
	if p.config.SuccessURL == "" || p.config.CancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel URLs are required", billing.ErrPriceNotConfigured)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no line items", billing.ErrPriceNotConfigured)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(tenant.TenantID),
		SuccessURL:        stripe.String(p.config.SuccessURL),
		CancelURL:         stripe.String(p.config.CancelURL),
	}
	for _, item := range items {
		li := &stripe.CheckoutSessionCreateLineItemParams{Price: stripe.String(item.PriceID)}
		if item.Quantity > 0 {
			li.Quantity = stripe.Int64(item.Quantity)
		}
		params.LineItems = append(params.LineItems, li)
	}
	params.AddMetadata(billsync.MetadataTenantKey, tenant.TenantID)

	// Subscription metadata lets subscription events resolve the tenant on
	// their own.
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(billsync.MetadataTenantKey, tenant.TenantID)

	var session *stripe.CheckoutSession
	err := p.call(ctx, opCheckoutSession, func(ctx context.Context) error {
		var err error
		session, err = p.client.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession implements billing.Provider. An empty returnURL falls
// back to the checkout success URL.
func (p *Provider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*billing.PortalSession, error) {
	if returnURL == "" {
		returnURL = p.config.SuccessURL
	}
	if returnURL == "" {
		return nil, fmt.Errorf("%w: portal return URL is required", billing.ErrPriceNotConfigured)
	}
	if customerID == "" {
		return nil, billing.ErrCustomerNotFound
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	var session *stripe.BillingPortalSession
	err := p.call(ctx, opPortalSession, func(ctx context.Context) error {
		var err error
		session, err = p.client.V1BillingPortalSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &billing.PortalSession{URL: session.URL}, nil
}
