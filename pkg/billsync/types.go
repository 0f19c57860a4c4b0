package billsync

import "time"

// SubscriptionStatus is the local view of a provider subscription's state.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = ""
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// ParseSubscriptionStatus maps a provider status string onto the local enum.
// Statuses with no local equivalent collapse to StatusNone.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch s {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusNone
	}
}

// Subscription is the per-tenant billing record kept in sync with the provider.
type Subscription struct {
	TenantID    string `json:"tenant_id"`
	TenantName  string `json:"tenant_name,omitempty"`
	TenantEmail string `json:"tenant_email,omitempty"`

	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	MeterItemID    string `json:"meter_item_id,omitempty"`

	Status         SubscriptionStatus `json:"status"`
	PeriodEnd      *time.Time         `json:"period_end,omitempty"`
	BillingEnabled bool               `json:"billing_enabled"`

	// UsageSyncedUntil is the high-water mark of submitted usage.
	UsageSyncedUntil *time.Time `json:"usage_synced_until,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.PeriodEnd != nil {
		t := *s.PeriodEnd
		c.PeriodEnd = &t
	}
	if s.UsageSyncedUntil != nil {
		t := *s.UsageSyncedUntil
		c.UsageSyncedUntil = &t
	}
	return &c
}

// EventStatus is the processing state of an Event Log Entry.
type EventStatus string

const (
	EventReceived  EventStatus = "received"
	EventProcessed EventStatus = "processed"
	EventIgnored   EventStatus = "ignored"
	EventFailed    EventStatus = "failed"
)

// CanTransition reports whether an entry may move from one status to another.
// Only received entries move, and only to a terminal status.
func CanTransition(from, to EventStatus) bool {
	if from != EventReceived {
		return false
	}
	switch to {
	case EventProcessed, EventIgnored, EventFailed:
		return true
	}
	return false
}

// MaxErrorDetailLen bounds the error text persisted on a failed entry.
const MaxErrorDetailLen = 1000

// EventLogEntry records one distinct provider event id.
type EventLogEntry struct {
	ID          string      `json:"id"`
	EventID     string      `json:"event_id"`
	EventType   string      `json:"event_type"`
	Status      EventStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	ReceivedAt  time.Time   `json:"received_at"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
}

// SyncRequest scopes one usage synchronization pass.
type SyncRequest struct {
	// TenantID restricts the pass to one tenant when set.
	TenantID string
	DryRun   bool
}

// SyncResult is the per-tenant outcome of a synchronization pass.
type SyncResult struct {
	TenantID    string    `json:"tenant_id"`
	Units       int64     `json:"synced_units"`
	SyncedUntil time.Time `json:"synced_until"`
	DryRun      bool      `json:"dry_run"`
	Submitted   bool      `json:"submitted"`
	Error       string    `json:"error,omitempty"`
}

// UsageRecord is one incremental quantity destined for a tenant's meter item.
type UsageRecord struct {
	TenantID    string
	CustomerID  string
	MeterItemID string
	Quantity    int64

	// WindowStart and Timestamp bound the usage window (WindowStart, Timestamp].
	// Successive windows of one tenant never overlap.
	WindowStart time.Time
	Timestamp   time.Time
}

// SubmitOutcome tells whether a usage submission reached the provider.
type SubmitOutcome int

const (
	SubmitAccepted SubmitOutcome = iota
	// SubmitSkipped is returned for non-positive quantities; nothing was sent.
	SubmitSkipped
)

func (o SubmitOutcome) String() string {
	if o == SubmitSkipped {
		return "skipped"
	}
	return "accepted"
}
