// Package fiber provides Fiber middleware gating requests on an active subscription
package fiber

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// TenantIDExtractor extracts the tenant ID from a Fiber context
// Return empty string if the caller is not authenticated
type TenantIDExtractor func(c *fiber.Ctx) string

// UnitsExtractor returns the metered units a request consumes
type UnitsExtractor func(c *fiber.Ctx) int64

// TenantIDKey is the Fiber locals key holding the admitted tenant ID
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
	OnInactive func(c *fiber.Ctx, tenantID string) error

	// OnUnauthorized is called when no tenant is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the entitlement check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	Logger billsync.Logger
	Now    func() time.Time
}

// Middleware creates a Fiber middleware that admits only active tenants
func Middleware(config Config) fiber.Handler {
	if config.GetUnits == nil {
		config.GetUnits = FixedUnits(1)
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		tenantID := config.GetTenantID(c)
		if tenantID == "" {
			if config.OnUnauthorized != nil {
				return config.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		ctx := c.UserContext()
		active, err := config.Entitlements.IsTenantActive(ctx, tenantID)
		if err != nil {
			if config.OnError != nil {
				return config.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		}
		if !active {
			if config.OnInactive != nil {
				return config.OnInactive(c, tenantID)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
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

		c.Locals(TenantIDKey, tenantID)
		return c.Next()
	}
}

// FixedUnits returns a UnitsExtractor that always returns units
func FixedUnits(units int64) UnitsExtractor {
	return func(*fiber.Ctx) int64 { return units }
}

// FromHeader returns a TenantIDExtractor reading a header. Values are
// copied because Fiber reuses its buffers.
func FromHeader(headerName string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.Get(headerName))
	}
}

// FromLocals returns a TenantIDExtractor reading a Fiber locals key
func FromLocals(key string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		if id, ok := c.Locals(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromParam returns a TenantIDExtractor reading a path parameter
func FromParam(name string) TenantIDExtractor {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.Params(name))
	}
}
