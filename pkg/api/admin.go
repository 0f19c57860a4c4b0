package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gobillsync/pkg/api/internal"
	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// requireAdmin gates admin routes on a bearer token.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.AdminToken == "" {
			h.writeError(w, http.StatusServiceUnavailable, errors.New("admin endpoints disabled"))
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.config.AdminToken)) != 1 {
			h.writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SyncUsage runs one usage synchronization pass.
func (h *Handler) SyncUsage(w http.ResponseWriter, r *http.Request) {
	var req SyncUsageRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	results, err := h.config.Syncer.SyncUsage(r.Context(), billsync.SyncRequest{
		TenantID: req.TenantID,
		DryRun:   req.DryRun,
	})
	if errors.Is(err, billsync.ErrSyncInProgress) {
		h.writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		h.config.Logger.Error("admin sync failed", billsync.F("error", err))
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []billsync.SyncResult{}
	}
	_ = internal.WriteJSON(w, http.StatusOK, results)
}

// CreateCheckoutSession opens a hosted subscription checkout for a tenant.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CheckoutSessionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	items, err := h.config.Provider.SubscriptionLineItems()
	if err != nil {
		h.providerError(w, "checkout", err)
		return
	}
	tenant, customerID, ok := h.tenantCustomer(w, r, req.TenantID)
	if !ok {
		return
	}

	session, err := h.config.Provider.CreateCheckoutSession(r.Context(), tenant, customerID, items)
	if err != nil {
		h.providerError(w, "checkout", err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusCreated, session)
}

// CreatePortalSession opens the hosted billing portal for a tenant.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req PortalSessionRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	_, customerID, ok := h.tenantCustomer(w, r, req.TenantID)
	if !ok {
		return
	}

	session, err := h.config.Provider.CreatePortalSession(r.Context(), customerID, req.ReturnURL)
	if err != nil {
		h.providerError(w, "portal", err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusCreated, session)
}

// GetEvent returns the event log entry for a provider event id.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	entry, err := h.config.Store.GetEvent(r.Context(), eventID)
	if errors.Is(err, billsync.ErrEventNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, entry)
}

// UsageSummary totals a tenant's recorded units over (from, to]. Bounds are
// RFC 3339 and default to the Unix epoch and now.
func (h *Handler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("tenant_id is required"))
		return
	}

	from, err := parseBound(q.Get("from"), time.Unix(0, 0).UTC())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("from: %w", err))
		return
	}
	to, err := parseBound(q.Get("to"), h.config.Now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("to: %w", err))
		return
	}
	if to.Before(from) {
		h.writeError(w, http.StatusBadRequest, errors.New("to is before from"))
		return
	}

	units, err := h.config.Store.SumUsage(r.Context(), tenantID, from, to)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, UsageSummary{TenantID: tenantID, From: from, To: to, Units: units})
}

func parseBound(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// decode reads and validates a JSON body, writing 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := internal.DecodeJSON(w, r, h.config.MaxBodyBytes, dst, allowEmpty); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// tenantCustomer loads the tenant and resolves its provider customer,
// persisting a newly resolved id.
func (h *Handler) tenantCustomer(w http.ResponseWriter, r *http.Request, tenantID string) (*billsync.Subscription, string, bool) {
	ctx := r.Context()
	tenant, err := h.config.Store.GetByTenantID(ctx, tenantID)
	if errors.Is(err, billsync.ErrSubscriptionNotFound) {
		h.writeError(w, http.StatusNotFound, fmt.Errorf("tenant %q not found", tenantID))
		return nil, "", false
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return nil, "", false
	}

	customerID, err := h.config.Provider.ResolveOrCreateCustomer(ctx, tenant)
	if err != nil {
		h.providerError(w, "customer", err)
		return nil, "", false
	}
	if customerID != tenant.CustomerID {
		if err := h.config.Store.SetCustomerID(ctx, tenant.TenantID, customerID); err != nil {
			h.config.Logger.Error("failed to persist customer id",
				billsync.F("tenant_id", tenant.TenantID),
				billsync.F("customer_id", customerID),
				billsync.F("error", err))
			h.writeError(w, http.StatusInternalServerError, err)
			return nil, "", false
		}
		tenant.CustomerID = customerID
	}
	return tenant, customerID, true
}

// providerError maps adapter failures: configuration problems are 500,
// provider rejections 502, an unavailable provider 503.
func (h *Handler) providerError(w http.ResponseWriter, op string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, billing.ErrProviderNotConfigured), errors.Is(err, billing.ErrPriceNotConfigured):
		status = http.StatusInternalServerError
	case billing.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	h.config.Logger.Error("provider call failed", billsync.F("op", op), billsync.F("error", err))
	h.writeError(w, status, err)
}
