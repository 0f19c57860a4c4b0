package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobillsync/pkg/api"
	"github.com/mihaimyh/gobillsync/pkg/billing"
	billingprom "github.com/mihaimyh/gobillsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobillsync/pkg/billing/stripe"
	"github.com/mihaimyh/gobillsync/pkg/billsync"
	zerologadapter "github.com/mihaimyh/gobillsync/pkg/billsync/logger/zerolog"
	billsyncprom "github.com/mihaimyh/gobillsync/pkg/billsync/metrics/prometheus"
	"github.com/mihaimyh/gobillsync/storage/memory"
	"github.com/mihaimyh/gobillsync/storage/postgres"
	"github.com/mihaimyh/gobillsync/storage/redis"
)

// App holds the wired components of the daemon.
type App struct {
	Config       Config
	Logger       zerolog.Logger
	Registry     *prometheus.Registry
	Store        *postgres.Storage
	Redis        *redis.Storage
	Provider     *stripe.Provider
	Reconciler   *billsync.Reconciler
	Synchronizer *billsync.Synchronizer
	Entitlements *billsync.EntitlementChecker
}

// newApp connects to the backing services and wires the reconciler, the
// synchronizer and their provider adapter.
func newApp(ctx context.Context, cfg Config, logger zerolog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	log := zerologadapter.NewLogger(logger)
	coreMetrics := billsyncprom.NewMetrics(app.Registry, cfg.MetricsNamespace)
	providerMetrics := billingprom.NewMetrics(app.Registry, cfg.MetricsNamespace)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.Logger = log.With("postgres")
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	app.Store = store

	var (
		locker billsync.Locker = memory.NewLocker()
		cache  billsync.SubscriptionCache
	)
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rs, err := redis.New(goredis.NewClient(opts), redis.DefaultConfig())
		if err != nil {
			app.Close()
			return nil, err
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			app.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		app.Redis = rs
		locker = rs
		cache = rs
	}

	breaker := billing.NewCircuitBreaker(5, 30*time.Second, func(state billing.CircuitState) {
		providerMetrics.RecordCircuitState("stripe", string(state))
		logger.Warn().Str("state", string(state)).Msg("stripe circuit breaker changed state")
	})
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			APIKey:        cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Breaker:       breaker,
			Metrics:       providerMetrics,
			Logger:        log.With("stripe"),
		},
		BasePriceID:    cfg.StripeBasePriceID,
		MeteredPriceID: cfg.StripeMeteredPrice,
		MeterEventName: cfg.StripeMeterEvent,
		SuccessURL:     cfg.StripeSuccessURL,
		CancelURL:      cfg.StripeCancelURL,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Provider = provider

	checker, err := billsync.NewEntitlementChecker(store, billsync.EntitlementConfig{
		Cache:   cache,
		Logger:  log.With("entitlements"),
		Metrics: coreMetrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Entitlements = checker

	reconciler, err := billsync.NewReconciler(store, billsync.ReconcilerConfig{
		MeteredPriceID:       cfg.StripeMeteredPrice,
		OnSubscriptionChange: checker.Invalidate,
		Logger:               log.With("reconciler"),
		Metrics:              coreMetrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Reconciler = reconciler

	synchronizer, err := billsync.NewSynchronizer(store, provider, billsync.SynchronizerConfig{
		Locker:      locker,
		SettleDelay: cfg.SyncSettleDelay,
		Logger:      log.With("synchronizer"),
		Metrics:     coreMetrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Synchronizer = synchronizer
	return app, nil
}

// Router mounts the billing handler next to the operational endpoints.
func (a *App) Router() (http.Handler, error) {
	apiConfig := api.DefaultConfig()
	apiConfig.Provider = a.Provider
	apiConfig.Events = a.Reconciler
	apiConfig.Syncer = a.Synchronizer
	apiConfig.Store = a.Store
	apiConfig.AdminToken = a.Config.AdminToken
	apiConfig.Logger = zerologadapter.NewLogger(a.Logger).With("api")

	billingHandler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))
	r.Handle("/billing/*", billingHandler)
	return r, nil
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := a.Store.Ping(ctx); err != nil {
		status, code = "postgres unavailable", http.StatusServiceUnavailable
	} else if a.Redis != nil {
		if err := a.Redis.Ping(ctx); err != nil {
			status, code = "redis unavailable", http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(status))
}

// Close releases the backing connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
