package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gobillsync/pkg/api/internal"
	"github.com/mihaimyh/gobillsync/pkg/billing"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

// Route paths.
const (
	PathWebhook         = "/billing/stripe/webhook"
	PathSyncUsage       = "/billing/stripe/sync-usage"
	PathCheckoutSession = "/billing/stripe/checkout-session"
	PathPortalSession   = "/billing/stripe/portal-session"
	PathEvent           = "/billing/stripe/events/{event_id}"
	PathUsageSummary    = "/billing/usage/summary"
)

// Handler serves the billing HTTP surface.
type Handler struct {
	config   Config
	validate *validator.Validate
	router   chi.Router
}

func newHandler(config Config) *Handler {
	h := &Handler{
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	webhook := http.Handler(http.HandlerFunc(h.Webhook))
	if config.WebhookRateLimit > 0 {
		webhook = internal.NewRateLimiter(config.WebhookRateLimit, time.Minute).Middleware(webhook)
	}
	r.Method(http.MethodPost, PathWebhook, webhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post(PathSyncUsage, h.SyncUsage)
		r.Post(PathCheckoutSession, h.CreateCheckoutSession)
		r.Post(PathPortalSession, h.CreatePortalSession)
		r.Get(PathEvent, h.GetEvent)
		r.Get(PathUsageSummary, h.UsageSummary)
	})

	h.router = r
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Webhook handles one provider delivery. The provider only ever sees 200,
// 400 or 500: transport failures are 400 and never touch the event log, a
// failed handler is 500 so the provider redelivers.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		h.config.Logger.Warn("webhook rejected", billsync.F("reason", "body"), billsync.F("error", err))
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	ev, err := h.config.Provider.VerifyAndDecode(body, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		if errors.Is(err, billing.ErrProviderNotConfigured) {
			h.config.Logger.Error("webhook verification not configured", billsync.F("error", err))
			h.writeError(w, http.StatusInternalServerError, errors.New("webhook verification not configured"))
			return
		}
		h.config.Logger.Warn("webhook rejected",
			billsync.F("reason", "verification"),
			billsync.F("ip", internal.ClientIP(r)),
			billsync.F("error", err))
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.config.Events.HandleEvent(r.Context(), ev)
	if err != nil {
		status := string(billsync.OutcomeFailed)
		if res == nil {
			// The event log itself could not be written.
			h.config.Logger.Error("webhook not recorded", billsync.F("event_id", ev.ID), billsync.F("error", err))
			status = "error"
		}
		_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{"status": status})
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": string(res.Outcome)})
}

// writeError writes {"error": "..."} with the given status.
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	_ = internal.WriteJSON(w, status, map[string]string{"error": err.Error()})
}
