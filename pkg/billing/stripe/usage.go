package stripe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// Meter event payload keys expected by a Stripe billing meter.
const (
	meterPayloadCustomer = "stripe_customer_id"
	meterPayloadValue    = "value"
)

// SubmitUsage implements billing.Provider and billsync.UsageSubmitter.
//
// Each increment is one meter event. The identifier is derived from the
// meter item and the exact window bounds, so a retried submission of the same
// window is deduplicated by Stripe while two windows never collide.
func (p *Provider) SubmitUsage(ctx context.Context, rec billsync.UsageRecord) (billsync.SubmitOutcome, error) {
	if rec.Quantity <= 0 {
		return billsync.SubmitSkipped, nil
	}
	if rec.CustomerID == "" || rec.MeterItemID == "" {
		return billsync.SubmitSkipped, &billing.ProviderError{
			Provider: providerName,
			Op:       opSubmitUsage,
			Kind:     billing.KindPermanent,
			Err:      fmt.Errorf("tenant %q has no customer or meter item", rec.TenantID),
		}
	}

	ts := rec.Timestamp.Unix()
	identifier := meterEventIdentifier(rec)

	err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.call(ctx, opSubmitUsage, func(ctx context.Context) error {
			params := &stripe.BillingMeterEventCreateParams{
				EventName: stripe.String(p.config.MeterEventName),
				Payload: map[string]string{
					meterPayloadCustomer: rec.CustomerID,
					meterPayloadValue:    strconv.FormatInt(rec.Quantity, 10),
				},
				Identifier: stripe.String(identifier),
				Timestamp:  stripe.Int64(ts),
			}
			_, err := p.client.V1BillingMeterEvents.Create(ctx, params)
			return err
		})
	}, func(attempt int, err error) {
		p.metrics.RecordRetry(providerName, opSubmitUsage)
		p.logger.Warn("usage submission failed, retrying",
			billsync.F("tenant_id", rec.TenantID),
			billsync.F("attempt", attempt),
			billsync.F("error", err),
		)
	})
	if err != nil {
		return billsync.SubmitAccepted, err
	}

	p.logger.Debug("usage submitted",
		billsync.F("tenant_id", rec.TenantID),
		billsync.F("units", rec.Quantity),
		billsync.F("identifier", identifier),
	)
	return billsync.SubmitAccepted, nil
}

// meterEventIdentifier keys a meter event by its usage window at nanosecond
// precision.
func meterEventIdentifier(rec billsync.UsageRecord) string {
	return fmt.Sprintf("%s:%d-%d", rec.MeterItemID, rec.WindowStart.UnixNano(), rec.Timestamp.UnixNano())
}
