package billsync

import "time"

// EventType names a provider notification kind.
type EventType string

// Notification kinds the reconciler knows about. Anything else is ignored.
const (
	EventCheckoutCompleted    EventType = "checkout.session.completed"
	EventSubscriptionCreated  EventType = "customer.subscription.created"
	EventSubscriptionUpdated  EventType = "customer.subscription.updated"
	EventSubscriptionDeleted  EventType = "customer.subscription.deleted"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventInvoiceFinalized     EventType = "invoice.finalized"
)

// MetadataTenantKey is the metadata key carrying the local tenant id on
// provider objects created by this system.
const MetadataTenantKey = "tenant_id"

// Event is a verified, decoded provider notification. Exactly one of the
// payload pointers is set for recognized types; none for unrecognized ones.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time

	Checkout     *CheckoutPayload
	Subscription *SubscriptionPayload
	Invoice      *InvoicePayload
}

// CheckoutPayload carries the fields of a completed checkout session.
type CheckoutPayload struct {
	SessionID         string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	Metadata          map[string]string
}

// TenantReference prefers the explicit reference field over metadata.
func (p *CheckoutPayload) TenantReference() string {
	if p.ClientReferenceID != "" {
		return p.ClientReferenceID
	}
	return p.Metadata[MetadataTenantKey]
}

// SubscriptionPayload carries the fields of a provider subscription object.
type SubscriptionPayload struct {
	ID         string
	CustomerID string
	Status     string
	PeriodEnd  *time.Time
	Items      []LineItem
	Metadata   map[string]string
}

// MeterItemID returns the id of the first line item billed at priceID.
func (p *SubscriptionPayload) MeterItemID(priceID string) string {
	if priceID == "" {
		return ""
	}
	for _, item := range p.Items {
		if item.PriceID == priceID {
			return item.ID
		}
	}
	return ""
}

// LineItem is a subscription line item and the price it bills.
type LineItem struct {
	ID      string
	PriceID string
}

// InvoicePayload carries the identifiers of an invoice event.
type InvoicePayload struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}
