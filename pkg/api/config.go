// Package api exposes the billing webhook and administrator endpoints.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// EventHandler applies verified provider events. *billsync.Reconciler
// implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *billsync.Event) (*billsync.Result, error)
}

// UsageSyncer runs usage synchronization passes. *billsync.Synchronizer
// implements it.
type UsageSyncer interface {
	SyncUsage(ctx context.Context, req billsync.SyncRequest) ([]billsync.SyncResult, error)
}

// Store is the read side the admin endpoints need, plus customer id
// persistence for checkout.
type Store interface {
	billsync.SubscriptionReader
	billsync.UsageReader
	GetEvent(ctx context.Context, eventID string) (*billsync.EventLogEntry, error)
	SetCustomerID(ctx context.Context, tenantID, customerID string) error
}

// Config holds configuration for the billing Handler
type Config struct {
	// Provider verifies webhooks and opens checkout/portal sessions (required)
	Provider billing.Provider

	// Events applies webhook deliveries (required)
	Events EventHandler

	// Syncer serves the admin sync endpoint (required)
	Syncer UsageSyncer

	// Store backs the admin lookups (required)
	Store Store

	// AdminToken is the bearer token for admin endpoints. Empty disables
	// them; they answer 503.
	AdminToken string

	// SignatureHeader carries the webhook signature.
	// Default: "Stripe-Signature"
	SignatureHeader string

	// MaxBodyBytes bounds request bodies.
	// Default: 1 MiB
	MaxBodyBytes int64

	// WebhookRateLimit is the per-IP request budget per minute on the
	// webhook route. Negative disables limiting.
	// Default: 100
	WebhookRateLimit int

	Logger billsync.Logger
	Now    func() time.Time
}

// DefaultConfig returns the optional settings at their defaults.
func DefaultConfig() Config {
	return Config{
		SignatureHeader:  "Stripe-Signature",
		MaxBodyBytes:     1 << 20,
		WebhookRateLimit: 100,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Events == nil {
		return fmt.Errorf("event handler is required")
	}
	if c.Syncer == nil {
		return fmt.Errorf("syncer is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SignatureHeader == "" {
		c.SignatureHeader = d.SignatureHeader
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.WebhookRateLimit == 0 {
		c.WebhookRateLimit = d.WebhookRateLimit
	}
	if c.Logger == nil {
		c.Logger = &billsync.NoopLogger{}
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

// NewHandler creates a new billing Handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", billsync.ErrConfiguration, err)
	}
	config.applyDefaults()
	return newHandler(config), nil
}
