// Package echo provides Echo middleware gating requests on an active subscription
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// TenantIDExtractor extracts the tenant ID from an Echo context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c echo.Context) string

// UnitsExtractor returns the metered units a request consumes
type UnitsExtractor func(c echo.Context) int64

// TenantIDKey is the Echo context key holding the admitted tenant ID
const TenantIDKey = "billsync_tenant_id"

// Config holds middleware configuration
type Config struct {
	// Entitlements decides whether a tenant is active (required)
	Entitlements billsync.Entitlements

	// GetTenantID extracts tenant ID from context (required)
	GetTenantID TenantIDExtractor

	// Usage records metered units for allowed requests. Optional.
	Usage billsync.UsageRecorder

	// GetUnits returns the units to record. Default: 1 per request
	GetUnits UnitsExtractor

	// OnInactive is called when the tenant has no active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(c echo.Context, tenantID string) error

	// OnUnauthorized is called when no tenant is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the entitlement check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	Logger billsync.Logger
	Now    func() time.Time
}

// Middleware creates an Echo middleware that admits only active tenants
func Middleware(config Config) echo.MiddlewareFunc {
	if config.GetUnits == nil {
		config.GetUnits = FixedUnits(1)
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := config.GetTenantID(c)
			if tenantID == "" {
				if config.OnUnauthorized != nil {
					return config.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			ctx := c.Request().Context()
			active, err := config.Entitlements.IsTenantActive(ctx, tenantID)
			if err != nil {
				if config.OnError != nil {
					return config.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
			if !active {
				if config.OnInactive != nil {
					return config.OnInactive(c, tenantID)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{
					"error":     "subscription inactive",
					"tenant_id": tenantID,
				})
			}

			if config.Usage != nil {
				if units := config.GetUnits(c); units > 0 {
					if err := config.Usage.RecordUsage(ctx, tenantID, units, config.Now().UTC()); err != nil {
						config.Logger.Error("failed to record usage",
							billsync.F("tenant_id", tenantID),
							billsync.F("error", err))
					}
				}
			}

			c.Set(TenantIDKey, tenantID)
			return next(c)
		}
	}
}

// FixedUnits returns a UnitsExtractor that always returns units
func FixedUnits(units int64) UnitsExtractor {
	return func(echo.Context) int64 { return units }
}

// FromHeader returns a TenantIDExtractor reading a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContext returns a TenantIDExtractor reading an Echo context key
func FromContext(key string) TenantIDExtractor {
	return func(c echo.Context) string {
		if id, ok := c.Get(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromParam returns a TenantIDExtractor reading a path parameter
func FromParam(name string) TenantIDExtractor {
	return func(c echo.Context) string {
		return c.Param(name)
	}
}
