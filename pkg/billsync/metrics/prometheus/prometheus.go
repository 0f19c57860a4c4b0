// Package prommetrics implements billsync.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// Metrics implements billsync.Metrics using Prometheus.
type Metrics struct {
	webhookOutcomesTotal *prometheus.CounterVec
	webhookDuration      *prometheus.HistogramVec
	syncTenantsTotal     *prometheus.CounterVec
	syncUnitsTotal       prometheus.Counter
	syncDuration         prometheus.Histogram
	entitlementChecks    *prometheus.CounterVec
}

// NewMetrics registers the reconciliation and sync collectors on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookOutcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent recording and applying a delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		syncTenantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage_sync",
			Name:      "tenants_total",
			Help:      "Per-tenant usage sync results.",
		}, []string{"result"}),

		syncUnitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage_sync",
			Name:      "units_submitted_total",
			Help:      "Usage units submitted to the billing provider.",
		}),

		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "usage_sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a usage sync pass.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),

		entitlementChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "checks_total",
			Help:      "Entitlement lookups by cache result.",
		}, []string{"cache"}),
	}
}

func (m *Metrics) RecordWebhookOutcome(eventType, outcome string) {
	m.webhookOutcomesTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookDuration(eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordSyncTenant(result string) {
	m.syncTenantsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSyncUnits(units int64) {
	if units > 0 {
		m.syncUnitsTotal.Add(float64(units))
	}
}

func (m *Metrics) RecordSyncDuration(duration time.Duration) {
	m.syncDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordEntitlementCheck(cacheHit bool) {
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	m.entitlementChecks.WithLabelValues(label).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billsync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
