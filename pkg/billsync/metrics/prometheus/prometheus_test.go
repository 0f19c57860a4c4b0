package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestMetrics_WebhookOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookOutcome("invoice.paid", "processed")
	m.RecordWebhookOutcome("invoice.paid", "processed")
	m.RecordWebhookOutcome("invoice.paid", "duplicate")

	if got := testutil.ToFloat64(m.webhookOutcomesTotal.WithLabelValues("invoice.paid", "processed")); got != 2 {
		t.Errorf("processed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.webhookOutcomesTotal.WithLabelValues("invoice.paid", "duplicate")); got != 1 {
		t.Errorf("duplicate = %v, want 1", got)
	}
}

func TestMetrics_WebhookDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	m.RecordWebhookDuration("invoice.paid", 20*time.Millisecond)

	f := findMetric(t, reg, "test_reconciler_webhook_duration_seconds")
	if got := f.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestMetrics_Sync(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordSyncTenant("submitted")
	m.RecordSyncTenant("error")
	m.RecordSyncUnits(8)
	m.RecordSyncUnits(0)
	m.RecordSyncDuration(time.Second)

	if got := testutil.ToFloat64(m.syncUnitsTotal); got != 8 {
		t.Errorf("units = %v, want 8", got)
	}
	if got := testutil.ToFloat64(m.syncTenantsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error results = %v, want 1", got)
	}
	findMetric(t, reg, "test_usage_sync_pass_duration_seconds")
}

func TestMetrics_EntitlementChecks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	m.RecordEntitlementCheck(true)
	m.RecordEntitlementCheck(false)
	m.RecordEntitlementCheck(false)

	if got := testutil.ToFloat64(m.entitlementChecks.WithLabelValues("miss")); got != 2 {
		t.Errorf("miss = %v, want 2", got)
	}
}
