package fiber

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gobillsync/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type staticChecker map[string]bool

func (s staticChecker) IsTenantActive(_ context.Context, tenantID string) (bool, error) {
	if tenantID == "broken" {
		return false, errors.New("database down")
	}
	return s[tenantID], nil
}

func newApp(config Config) *fiber.App {
	app := fiber.New()
	app.Get("/data", Middleware(config), func(c *fiber.Ctx) error {
		id, _ := c.Locals(TenantIDKey).(string)
		return c.SendString(id)
	})
	return app
}

func get(t *testing.T, app *fiber.App, tenant string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("GET", "/data", nil)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMiddleware(t *testing.T) {
	app := newApp(Config{Entitlements: staticChecker{"paying": true}, GetTenantID: FromHeader("X-Tenant-ID")})

	code, body := get(t, app, "paying")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "paying", body)

	code, body = get(t, app, "lapsed")
	assert.Equal(t, fiber.StatusPaymentRequired, code)
	assert.JSONEq(t, `{"error":"subscription inactive","tenant_id":"lapsed"}`, body)

	code, _ = get(t, app, "broken")
	assert.Equal(t, fiber.StatusInternalServerError, code)

	code, _ = get(t, app, "")
	assert.Equal(t, fiber.StatusUnauthorized, code)
}

func TestMiddleware_CustomUnauthorized(t *testing.T) {
	app := newApp(Config{
		Entitlements: staticChecker{},
		GetTenantID:  FromHeader("X-Tenant-ID"),
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.SendStatus(fiber.StatusForbidden)
		},
	})
	code, _ := get(t, app, "")
	assert.Equal(t, fiber.StatusForbidden, code)
}

func TestMiddleware_RecordsUsage(t *testing.T) {
	store := memory.New()
	app := newApp(Config{
		Entitlements: staticChecker{"paying": true},
		GetTenantID:  FromHeader("X-Tenant-ID"),
		Usage:        store,
		Now:          func() time.Time { return testNow },
	})

	for i := 0; i < 4; i++ {
		code, _ := get(t, app, "paying")
		require.Equal(t, fiber.StatusOK, code)
	}

	units, err := store.SumUsage(context.Background(), "paying", testNow.Add(-time.Minute), testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(4), units)
}
