package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookError records a rejected webhook delivery.
	// errorType: "invalid_signature", "invalid_payload", "not_configured"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The operation called (e.g., "submit_usage")
	// status: "success", "transient_error" or "permanent_error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordRetry records a retried attempt of a provider call.
	RecordRetry(provider, endpoint string)

	// RecordCircuitState records circuit breaker state changes.
	RecordCircuitState(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookError(_, _ string)                     {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                       {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordRetry(_, _ string)                            {}
func (n *NoopMetrics) RecordCircuitState(_, _ string)                     {}
