package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// VerifyAndDecode implements billing.Provider
func (p *Provider) VerifyAndDecode(payload []byte, signatureHeader string) (*billsync.Event, error) {
	if p.webhookSecret == "" {
		p.metrics.RecordWebhookError(providerName, "not_configured")
		return nil, fmt.Errorf("%w: webhook secret is empty", billing.ErrProviderNotConfigured)
	}

	// Endpoints may be pinned to a different API version than the SDK; only
	// the fields below are read, so the mismatch is tolerated.
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			p.metrics.RecordWebhookError(providerName, "invalid_signature")
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	out, err := decodeEvent(&event)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

// decodeEvent maps the fields the reconciler reads. Unrecognized types are
// returned without a payload.
func decodeEvent(event *stripe.Event) (*billsync.Event, error) {
	if event.ID == "" || event.Type == "" {
		return nil, errors.New("event id and type are required")
	}
	out := &billsync.Event{
		ID:      event.ID,
		Type:    billsync.EventType(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	var err error
	switch out.Type {
	case billsync.EventCheckoutCompleted:
		out.Checkout, err = decodeCheckout(raw)
	case billsync.EventSubscriptionCreated, billsync.EventSubscriptionUpdated, billsync.EventSubscriptionDeleted:
		out.Subscription, err = decodeSubscription(raw)
	case billsync.EventInvoicePaid, billsync.EventInvoicePaymentFailed, billsync.EventInvoiceFinalized:
		out.Invoice, err = decodeInvoice(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", out.Type, err)
	}
	return out, nil
}

func requireObject(raw json.RawMessage) error {
	if len(raw) == 0 {
		return errors.New("missing data.object")
	}
	return nil
}

func decodeCheckout(raw json.RawMessage) (*billsync.CheckoutPayload, error) {
	if err := requireObject(raw); err != nil {
		return nil, err
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, err
	}
	out := &billsync.CheckoutPayload{
		SessionID:         session.ID,
		ClientReferenceID: session.ClientReferenceID,
		Metadata:          session.Metadata,
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		out.SubscriptionID = session.Subscription.ID
	}
	return out, nil
}

// legacySubscriptionFields covers fields that moved between API versions.
type legacySubscriptionFields struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

func decodeSubscription(raw json.RawMessage) (*billsync.SubscriptionPayload, error) {
	if err := requireObject(raw); err != nil {
		return nil, err
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	var legacy legacySubscriptionFields
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		return nil, errors.New("subscription id is required")
	}

	out := &billsync.SubscriptionPayload{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}

	// Newer API versions carry the period on each item; the subscription
	// renews when its latest item period ends.
	periodEnd := legacy.CurrentPeriodEnd
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			li := billsync.LineItem{ID: item.ID}
			if item.Price != nil {
				li.PriceID = item.Price.ID
			}
			out.Items = append(out.Items, li)
			if legacy.CurrentPeriodEnd == 0 && item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		out.PeriodEnd = &t
	}
	return out, nil
}

// invoiceObject reads the subscription reference from both the legacy
// top-level field and the newer parent details.
type invoiceObject struct {
	ID           string         `json:"id"`
	Customer     expandableID   `json:"customer"`
	Subscription expandableID   `json:"subscription"`
	Parent       *invoiceParent `json:"parent"`
}

type invoiceParent struct {
	SubscriptionDetails *struct {
		Subscription expandableID `json:"subscription"`
	} `json:"subscription_details"`
}

func decodeInvoice(raw json.RawMessage) (*billsync.InvoicePayload, error) {
	if err := requireObject(raw); err != nil {
		return nil, err
	}
	var inv invoiceObject
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}
	out := &billsync.InvoicePayload{
		ID:             inv.ID,
		CustomerID:     string(inv.Customer),
		SubscriptionID: string(inv.Subscription),
	}
	if out.SubscriptionID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	return out, nil
}

// expandableID accepts either an id string or an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}
