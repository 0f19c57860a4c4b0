// Package stripe implements billing.Provider on top of stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

const (
	providerName          = "stripe"
	defaultMeterEventName = "api_units"

	opCustomerRetrieve = "customer_retrieve"
	opCustomerSearch   = "customer_search"
	opCustomerCreate   = "customer_create"
	opCheckoutSession  = "checkout_session_create"
	opPortalSession    = "portal_session_create"
	opSubmitUsage      = "submit_usage"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// BasePriceID is the flat monthly price added to every checkout.
	BasePriceID string

	// MeteredPriceID is the usage-based price; its subscription item is the
	// meter item that receives usage.
	MeteredPriceID string

	// MeterEventName is the billing meter's event name.
	// Default: "api_units"
	MeterEventName string

	// SuccessURL and CancelURL are the checkout redirect targets. SuccessURL
	// doubles as the default portal return URL.
	SuccessURL string
	CancelURL  string

	// APIBaseURL overrides the Stripe API endpoint, e.g. for a local mock.
	APIBaseURL string
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	config        Config
	client        *stripe.Client
	webhookSecret string
	retry         billing.RetryPolicy
	breaker       *billing.CircuitBreaker
	callTimeout   time.Duration
	metrics       billing.Metrics
	logger        billsync.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe API key is required", billing.ErrProviderNotConfigured)
	}
	config.Config = config.Config.WithDefaults()
	if config.MeterEventName == "" {
		config.MeterEventName = defaultMeterEventName
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient: config.HTTPClient,
		// Retries are owned by billing.RetryPolicy, not the SDK.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &leveledLogger{logger: config.Logger},
	}
	if config.APIBaseURL != "" {
		backendConfig.URL = stripe.String(config.APIBaseURL)
	}
	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	return &Provider{
		config:        config,
		client:        client,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		retry:         config.Retry,
		breaker:       config.Breaker,
		callTimeout:   config.CallTimeout,
		metrics:       config.Metrics,
		logger:        config.Logger,
	}, nil
}

// Name implements billing.Provider
func (p *Provider) Name() string {
	return providerName
}

// DefaultReturnURL is the portal return URL used when a caller gives none.
func (p *Provider) DefaultReturnURL() string {
	return p.config.SuccessURL
}

// call runs one bounded, classified, metered provider request.
func (p *Provider) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	run := func() error { return classify(op, fn(callCtx)) }

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(run)
		if errors.Is(err, billing.ErrCircuitOpen) {
			err = &billing.ProviderError{Provider: providerName, Op: op, Kind: billing.KindTransient, Err: err}
		}
	} else {
		err = run()
	}

	status := "success"
	switch {
	case billing.IsTransient(err):
		status = "transient_error"
	case err != nil:
		status = "permanent_error"
	}
	p.metrics.RecordAPICall(providerName, op, status)
	p.metrics.RecordAPICallDuration(providerName, op, time.Since(start))
	return err
}

// leveledLogger routes stripe-go's internal logging through billsync.Logger.
type leveledLogger struct {
	logger billsync.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), billsync.F("source", "stripe-go"))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), billsync.F("source", "stripe-go"))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), billsync.F("source", "stripe-go"))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), billsync.F("source", "stripe-go"))
}
