package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome is the result of handling one delivery.
type Outcome string

const (
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Result describes how a delivery was handled.
type Result struct {
	Outcome Outcome
	Entry   *EventLogEntry
}

// eventHandler applies one event inside a transaction. It returns the tenant
// whose record changed (if any) and whether the event was handled.
type eventHandler func(ctx context.Context, tx Tx, ev *Event) (tenantID string, handled bool, err error)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// MeteredPriceID identifies the provider price whose line item receives
	// usage. When empty the meter item id is never set.
	MeteredPriceID string

	// OnSubscriptionChange is called after a committed event changed a
	// tenant's record, e.g. to drop cached entitlement snapshots.
	OnSubscriptionChange func(ctx context.Context, tenantID string)

	Logger  Logger
	Metrics Metrics
	Now     func() time.Time
}

// Reconciler applies verified provider events to local subscription state,
// using the event log for idempotency.
type Reconciler struct {
	store          Store
	meteredPriceID string
	onChange       func(ctx context.Context, tenantID string)
	logger         Logger
	metrics        Metrics
	now            func() time.Time
	handlers       map[EventType]eventHandler
}

// NewReconciler creates a Reconciler over store.
func NewReconciler(store Store, config ReconcilerConfig) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	r := &Reconciler{
		store:          store,
		meteredPriceID: config.MeteredPriceID,
		onChange:       config.OnSubscriptionChange,
		logger:         config.Logger,
		metrics:        config.Metrics,
		now:            config.Now,
	}
	if r.logger == nil {
		r.logger = &NoopLogger{}
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	r.handlers = map[EventType]eventHandler{
		EventCheckoutCompleted:    r.applyCheckoutCompleted,
		EventSubscriptionCreated:  r.applySubscription,
		EventSubscriptionUpdated:  r.applySubscription,
		EventSubscriptionDeleted:  r.applySubscription,
		EventInvoicePaid:          r.applyInvoiceStatus(StatusActive),
		EventInvoicePaymentFailed: r.applyInvoiceStatus(StatusPastDue),
		EventInvoiceFinalized:     acknowledgeOnly,
	}
	return r, nil
}

// Handles reports whether t has a registered handler.
func (r *Reconciler) Handles(t EventType) bool {
	_, ok := r.handlers[t]
	return ok
}

// HandleEvent records ev in the event log and, on first delivery, applies it.
//
// The subscription mutation and the terminal status mark commit together.
// When the handler fails that transaction is rolled back and the failed mark
// is written on its own, so the failure survives while the mutation does not.
// The returned error wraps ErrHandlerFailure in that case.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil || ev.ID == "" {
		return nil, ErrInvalidEvent
	}
	start := time.Now()
	defer func() {
		r.metrics.RecordWebhookDuration(string(ev.Type), time.Since(start))
	}()

	entry, isNew, err := r.store.RecordEvent(ctx, ev.ID, string(ev.Type), r.now())
	if err != nil {
		return nil, fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	if !isNew {
		r.logger.Debug("duplicate delivery", F("event_id", ev.ID), F("status", string(entry.Status)))
		r.metrics.RecordWebhookOutcome(string(ev.Type), string(OutcomeDuplicate))
		return &Result{Outcome: OutcomeDuplicate, Entry: entry}, nil
	}

	var (
		tenantID string
		handled  bool
	)
	err = r.store.WithTx(ctx, func(tx Tx) (txErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				txErr = fmt.Errorf("panic: %v", rec)
			}
		}()

		tenantID, handled, txErr = r.dispatch(ctx, tx, ev)
		if txErr != nil {
			return txErr
		}
		status := EventIgnored
		if handled {
			status = EventProcessed
		}
		return tx.MarkEvent(ctx, entry.ID, status, "", r.now())
	})
	if err != nil {
		return r.fail(ctx, ev, entry, err)
	}

	outcome := OutcomeIgnored
	entry.Status = EventIgnored
	if handled {
		outcome = OutcomeProcessed
		entry.Status = EventProcessed
	}
	r.logger.Info("event reconciled",
		F("event_id", ev.ID),
		F("event_type", string(ev.Type)),
		F("outcome", string(outcome)),
		F("tenant_id", tenantID))
	r.metrics.RecordWebhookOutcome(string(ev.Type), string(outcome))

	if handled && tenantID != "" && r.onChange != nil {
		r.onChange(ctx, tenantID)
	}
	return &Result{Outcome: outcome, Entry: entry}, nil
}

func (r *Reconciler) dispatch(ctx context.Context, tx Tx, ev *Event) (string, bool, error) {
	h, ok := r.handlers[ev.Type]
	if !ok {
		return "", false, nil
	}
	return h(ctx, tx, ev)
}

func (r *Reconciler) fail(ctx context.Context, ev *Event, entry *EventLogEntry, cause error) (*Result, error) {
	detail := truncate(cause.Error(), MaxErrorDetailLen)

	// The request may already be cancelled; the failure record must still land.
	markCtx := context.WithoutCancel(ctx)
	if err := r.store.MarkEvent(markCtx, entry.ID, EventFailed, detail, r.now()); err != nil {
		r.logger.Error("failed to record event failure",
			F("event_id", ev.ID),
			F("error", err),
			F("cause", detail))
	} else {
		entry.Status = EventFailed
		entry.Error = detail
	}

	r.logger.Error("event handler failed",
		F("event_id", ev.ID),
		F("event_type", string(ev.Type)),
		F("error", cause))
	r.metrics.RecordWebhookOutcome(string(ev.Type), string(OutcomeFailed))

	return &Result{Outcome: OutcomeFailed, Entry: entry},
		&HandlerError{EventID: ev.ID, EventType: ev.Type, Err: cause}
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, tx Tx, ev *Event) (string, bool, error) {
	p := ev.Checkout
	if p == nil {
		return "", false, errors.New("checkout event without payload")
	}
	ref := p.TenantReference()
	if ref == "" {
		return "", false, nil
	}
	sub, err := tx.GetByTenantID(ctx, ref)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if p.CustomerID != "" {
		sub.CustomerID = p.CustomerID
	}
	if p.SubscriptionID != "" {
		sub.SubscriptionID = p.SubscriptionID
	}
	sub.UpdatedAt = r.now()
	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return "", false, err
	}
	return sub.TenantID, true, nil
}

func (r *Reconciler) applySubscription(ctx context.Context, tx Tx, ev *Event) (string, bool, error) {
	p := ev.Subscription
	if p == nil {
		return "", false, errors.New("subscription event without payload")
	}
	sub, err := resolve(ctx,
		lookup{p.ID, tx.GetBySubscriptionID},
		lookup{p.CustomerID, tx.GetByCustomerID},
		lookup{p.Metadata[MetadataTenantKey], tx.GetByTenantID},
	)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if p.CustomerID != "" {
		sub.CustomerID = p.CustomerID
	}
	if p.ID != "" {
		sub.SubscriptionID = p.ID
	}
	sub.Status = ParseSubscriptionStatus(p.Status)
	if ev.Type == EventSubscriptionDeleted {
		sub.Status = StatusCanceled
	}
	sub.PeriodEnd = p.PeriodEnd
	// TODO: usage already submitted against a replaced meter item is not
	// reconciled when the item id changes mid-cycle.
	if item := p.MeterItemID(r.meteredPriceID); item != "" {
		sub.MeterItemID = item
	}
	sub.UpdatedAt = r.now()

	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return "", false, err
	}
	return sub.TenantID, true, nil
}

func (r *Reconciler) applyInvoiceStatus(status SubscriptionStatus) eventHandler {
	return func(ctx context.Context, tx Tx, ev *Event) (string, bool, error) {
		p := ev.Invoice
		if p == nil {
			return "", false, errors.New("invoice event without payload")
		}
		// Invoices carry no tenant metadata, so provider ids are the only keys.
		sub, err := resolve(ctx,
			lookup{p.SubscriptionID, tx.GetBySubscriptionID},
			lookup{p.CustomerID, tx.GetByCustomerID},
		)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		sub.Status = status
		sub.UpdatedAt = r.now()
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return "", false, err
		}
		return sub.TenantID, true, nil
	}
}

func acknowledgeOnly(context.Context, Tx, *Event) (string, bool, error) {
	return "", true, nil
}
