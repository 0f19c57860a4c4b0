package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// DefaultCallTimeout bounds every outbound provider call.
const DefaultCallTimeout = 10 * time.Second

// Config defines the standard configuration all providers should accept
type Config struct {
	// WebhookSecret verifies incoming webhook signatures.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with CallTimeout will be used.
	HTTPClient *http.Client

	// CallTimeout bounds each provider call attempt.
	// Default: 10s
	CallTimeout time.Duration

	// Retry governs usage submission retries. Unset fields take the
	// values of DefaultRetryPolicy().
	Retry RetryPolicy

	// Breaker trips after repeated transient failures. Optional.
	Breaker *CircuitBreaker

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is optional.
	Logger billsync.Logger
}

// WithDefaults fills unset optional fields.
func (c Config) WithDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	c.Retry = c.Retry.withDefaults()
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.CallTimeout}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &billsync.NoopLogger{}
	}
	return c
}
