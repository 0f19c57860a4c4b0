package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the daemon configuration, read from the environment.
type Config struct {
	DatabaseURL string `validate:"required"`
	RedisURL    string `validate:"omitempty,url"`
	HTTPAddr    string `validate:"required,hostname_port"`
	AdminToken  string

	StripeSecretKey     string `validate:"required"`
	StripeWebhookSecret string `validate:"required"`
	StripeBasePriceID   string
	StripeMeteredPrice  string
	StripeMeterEvent    string
	StripeSuccessURL    string `validate:"omitempty,url"`
	StripeCancelURL     string `validate:"omitempty,url"`

	SyncInterval    time.Duration `validate:"gte=0"`
	SyncSettleDelay time.Duration `validate:"gte=0"`

	LogLevel         string `validate:"oneof=trace debug info warn error"`
	LogFormat        string `validate:"oneof=json console"`
	MetricsNamespace string `validate:"required,excludesall=-."`
}

// envKeys maps environment variables onto Config fields.
var envKeys = []struct {
	name string
	set  func(*Config, string) error
}{
	{"DATABASE_URL", func(c *Config, v string) error { c.DatabaseURL = v; return nil }},
	{"REDIS_URL", func(c *Config, v string) error { c.RedisURL = v; return nil }},
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTPAddr = v; return nil }},
	{"ADMIN_TOKEN", func(c *Config, v string) error { c.AdminToken = v; return nil }},
	{"STRIPE_SECRET_KEY", func(c *Config, v string) error { c.StripeSecretKey = v; return nil }},
	{"STRIPE_WEBHOOK_SECRET", func(c *Config, v string) error { c.StripeWebhookSecret = v; return nil }},
	{"STRIPE_PRICE_BASE_MONTHLY_ID", func(c *Config, v string) error { c.StripeBasePriceID = v; return nil }},
	{"STRIPE_PRICE_METERED_ID", func(c *Config, v string) error { c.StripeMeteredPrice = v; return nil }},
	{"STRIPE_METER_EVENT_NAME", func(c *Config, v string) error { c.StripeMeterEvent = v; return nil }},
	{"STRIPE_SUCCESS_URL", func(c *Config, v string) error { c.StripeSuccessURL = v; return nil }},
	{"STRIPE_CANCEL_URL", func(c *Config, v string) error { c.StripeCancelURL = v; return nil }},
	{"SYNC_INTERVAL", func(c *Config, v string) error {
		d, err := parseInterval(v)
		if err != nil {
			return err
		}
		c.SyncInterval = d
		return nil
	}},
	{"SYNC_SETTLE_DELAY", func(c *Config, v string) error {
		d, err := parseInterval(v)
		if err != nil {
			return err
		}
		c.SyncSettleDelay = d
		return nil
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = strings.ToLower(v); return nil }},
	{"METRICS_NAMESPACE", func(c *Config, v string) error { c.MetricsNamespace = v; return nil }},
}

// DefaultConfig returns the settings used when a variable is unset.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:         ":8080",
		SyncInterval:     time.Hour,
		SyncSettleDelay:  5 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
		MetricsNamespace: "billsync",
	}
}

// parseInterval accepts Go durations ("30m") and plain seconds ("3600").
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid SYNC_INTERVAL %q: %w", v, err)
	}
	return d, nil
}

// LoadConfig loads envFile when it exists, then reads the environment
// through lookup. Variables already set in the environment win over the file.
func LoadConfig(envFile string, lookup func(string) (string, bool)) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg := DefaultConfig()
	for _, key := range envKeys {
		v, ok := lookup(key.name)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := key.set(&cfg, v); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field.
func (c Config) Validate() error {
	return formatValidation(validate.Struct(c))
}

// ValidateFor checks only the named fields, for subcommands that need a
// subset of the configuration.
func (c Config) ValidateFor(fields ...string) error {
	return formatValidation(validate.StructPartial(c, fields...))
}

func formatValidation(err error) error {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", envName(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var fieldEnv = map[string]string{
	"DatabaseURL":         "DATABASE_URL",
	"RedisURL":            "REDIS_URL",
	"HTTPAddr":            "HTTP_ADDR",
	"StripeSecretKey":     "STRIPE_SECRET_KEY",
	"StripeWebhookSecret": "STRIPE_WEBHOOK_SECRET",
	"StripeSuccessURL":    "STRIPE_SUCCESS_URL",
	"StripeCancelURL":     "STRIPE_CANCEL_URL",
	"SyncInterval":        "SYNC_INTERVAL",
	"SyncSettleDelay":     "SYNC_SETTLE_DELAY",
	"LogLevel":            "LOG_LEVEL",
	"LogFormat":           "LOG_FORMAT",
	"MetricsNamespace":    "METRICS_NAMESPACE",
}

func envName(field string) string {
	if name, ok := fieldEnv[field]; ok {
		return name
	}
	return field
}
