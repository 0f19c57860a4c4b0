// Package gin provides Gin middleware gating requests on an active subscription
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// TenantIDExtractor extracts the tenant ID from a Gin context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c *gongin.Context) string

// UnitsExtractor returns the metered units a request consumes
type UnitsExtractor func(c *gongin.Context) int64

// TenantIDKey is the Gin context key holding the admitted tenant ID
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
	// If nil, aborts with 402 Payment Required
	OnInactive func(c *gongin.Context, tenantID string)

	// OnUnauthorized is called when no tenant is identified
	// If nil, aborts with 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the entitlement check fails
	// If nil, aborts with 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	Logger billsync.Logger
	Now    func() time.Time
}

// Middleware creates a Gin middleware that admits only active tenants
func Middleware(config Config) gongin.HandlerFunc {
	if config.GetUnits == nil {
		config.GetUnits = FixedUnits(1)
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(c *gongin.Context) {
		tenantID := config.GetTenantID(c)
		if tenantID == "" {
			if config.OnUnauthorized != nil {
				config.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			return
		}

		ctx := c.Request.Context()
		active, err := config.Entitlements.IsTenantActive(ctx, tenantID)
		if err != nil {
			if config.OnError != nil {
				config.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
			}
			return
		}
		if !active {
			if config.OnInactive != nil {
				config.OnInactive(c, tenantID)
			} else {
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{
					"error":     "subscription inactive",
					"tenant_id": tenantID,
				})
			}
			return
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
		c.Next()
	}
}

// FixedUnits returns a UnitsExtractor that always returns units
func FixedUnits(units int64) UnitsExtractor {
	return func(*gongin.Context) int64 { return units }
}

// FromHeader returns a TenantIDExtractor reading a header
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContext returns a TenantIDExtractor reading a Gin context key set by
// an earlier authentication middleware
func FromContext(key string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromParam returns a TenantIDExtractor reading a path parameter
func FromParam(name string) TenantIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(name)
	}
}
