package api

import "time"

// SyncUsageRequest is the admin sync body. An empty body syncs every tenant.
type SyncUsageRequest struct {
	TenantID string `json:"tenant_id" validate:"omitempty,max=255"`
	DryRun   bool   `json:"dry_run"`
}

// CheckoutSessionRequest opens a subscription checkout for a tenant.
type CheckoutSessionRequest struct {
	TenantID string `json:"tenant_id" validate:"required,max=255"`
}

// PortalSessionRequest opens the billing portal for a tenant.
type PortalSessionRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,max=255"`
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// UsageSummary is the unit total of one tenant over (from, to].
type UsageSummary struct {
	TenantID string    `json:"tenant_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Units    int64     `json:"units"`
}
