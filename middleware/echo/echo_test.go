package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
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

func newServer(config Config) *echo.Echo {
	e := echo.New()
	e.GET("/data", func(c echo.Context) error {
		id, _ := c.Get(TenantIDKey).(string)
		return c.String(http.StatusOK, id)
	}, Middleware(config))
	return e
}

func get(e *echo.Echo, tenant string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	e := newServer(Config{Entitlements: staticChecker{"paying": true}, GetTenantID: FromHeader("X-Tenant-ID")})

	tests := []struct {
		tenant string
		want   int
	}{
		{"paying", http.StatusOK},
		{"lapsed", http.StatusPaymentRequired},
		{"broken", http.StatusInternalServerError},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run("tenant="+tt.tenant, func(t *testing.T) {
			rec := get(e, tt.tenant)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, tt.tenant, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := newServer(Config{
		Entitlements: staticChecker{},
		GetTenantID:  FromHeader("X-Tenant-ID"),
		OnInactive: func(c echo.Context, tenantID string) error {
			return c.NoContent(http.StatusForbidden)
		},
		OnError: func(c echo.Context, err error) error {
			return c.NoContent(http.StatusServiceUnavailable)
		},
	})
	assert.Equal(t, http.StatusForbidden, get(e, "lapsed").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(e, "broken").Code)
}

func TestMiddleware_RecordsUsage(t *testing.T) {
	store := memory.New()
	e := newServer(Config{
		Entitlements: staticChecker{"paying": true},
		GetTenantID:  FromHeader("X-Tenant-ID"),
		Usage:        store,
		GetUnits:     FixedUnits(5),
		Now:          func() time.Time { return testNow },
	})

	require.Equal(t, http.StatusOK, get(e, "paying").Code)
	get(e, "lapsed")

	units, err := store.SumUsage(context.Background(), "paying", testNow.Add(-time.Minute), testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(5), units)
}
