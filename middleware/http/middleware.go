// Package http provides net/http middleware gating requests on an active
// subscription.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// TenantIDExtractor extracts the tenant ID from an HTTP request
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(r *http.Request) string

// UnitsExtractor returns the metered units a request consumes
type UnitsExtractor func(r *http.Request) int64

// Config holds middleware configuration
type Config struct {
	// Entitlements decides whether a tenant is active (required)
	Entitlements billsync.Entitlements

	// GetTenantID extracts tenant ID from request (required)
	GetTenantID TenantIDExtractor

	// Usage records metered units for allowed requests. Optional.
	Usage billsync.UsageRecorder

	// GetUnits returns the units to record. Default: 1 per request
	GetUnits UnitsExtractor

	// OnInactive is called when the tenant has no active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(w http.ResponseWriter, r *http.Request, tenantID string)

	// OnUnauthorized is called when no tenant is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the entitlement check fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	Logger billsync.Logger
	Now    func() time.Time
}

// Middleware creates an HTTP middleware that admits only active tenants
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetUnits == nil {
		config.GetUnits = FixedUnits(1)
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := config.GetTenantID(r)
			if tenantID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				}
				return
			}

			ctx := r.Context()
			active, err := config.Entitlements.IsTenantActive(ctx, tenantID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
				return
			}
			if !active {
				if config.OnInactive != nil {
					config.OnInactive(w, r, tenantID)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]string{
						"error":     "subscription inactive",
						"tenant_id": tenantID,
					})
				}
				return
			}

			if config.Usage != nil {
				if units := config.GetUnits(r); units > 0 {
					// Metering is best effort; a paying tenant is never refused for it.
					if err := config.Usage.RecordUsage(ctx, tenantID, units, config.Now().UTC()); err != nil {
						config.Logger.Error("failed to record usage",
							billsync.F("tenant_id", tenantID),
							billsync.F("units", units),
							billsync.F("error", err))
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(WithTenantID(ctx, tenantID)))
		})
	}
}

// HandlerFunc is Middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	mw := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return mw(next).ServeHTTP
	}
}

// FixedUnits returns a UnitsExtractor that always returns units
func FixedUnits(units int64) UnitsExtractor {
	return func(*http.Request) int64 { return units }
}

// ContextKey is a type for context keys
type ContextKey string

// TenantIDKey is the context key for the tenant ID
const TenantIDKey ContextKey = "billsync:tenantID"

// WithTenantID adds the tenant ID to a context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// FromContext returns a TenantIDExtractor reading key from the request context
func FromContext(key ContextKey) TenantIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a TenantIDExtractor reading a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
