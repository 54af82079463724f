// Package entitlements wires the license server: configuration, storage
// selection, HTTP routes, rate limiting and lifecycle.
package entitlements

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the license server.
type Config struct {
	DataDir          string
	BindAddress      string
	Port             int
	StoreDriver      string
	DatabaseURL      string
	DatabaseMaxConns int

	AdminToken   string
	SharedSecret string // optional bearer secret for /api/activate
	BaseURL      string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIBase       string // empty uses api.stripe.com
	BillingTimeout      time.Duration

	RedisURL           string // enables the shared rate limiter when set
	RateLimitPerMinute int

	PublicStatus  bool
	PublicMetrics bool

	LogLevel  string
	LogFormat string
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("LICENSE_PORT", 8080)
	if err != nil {
		return nil, configError(err)
	}
	maxConns, err := envOrDefaultInt("DATABASE_MAX_CONNS", 10)
	if err != nil {
		return nil, configError(err)
	}
	rateLimit, err := envOrDefaultInt("RATE_LIMIT_PER_MINUTE", 60)
	if err != nil {
		return nil, configError(err)
	}
	billingTimeout, err := envOrDefaultDuration("BILLING_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, configError(err)
	}
	publicStatus, err := envOrDefaultBool("PUBLIC_STATUS", false)
	if err != nil {
		return nil, configError(err)
	}
	publicMetrics, err := envOrDefaultBool("PUBLIC_METRICS", false)
	if err != nil {
		return nil, configError(err)
	}

	cfg := &Config{
		DataDir:             envOrDefault("LICENSE_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("LICENSE_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		StoreDriver:         strings.ToLower(envOrDefault("LICENSE_STORE_DRIVER", DriverSQLite)),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatabaseMaxConns:    maxConns,
		AdminToken:          strings.TrimSpace(os.Getenv("ADMIN_DASHBOARD_TOKEN")),
		SharedSecret:        strings.TrimSpace(os.Getenv("LICENSE_SHARED_SECRET")),
		BaseURL:             strings.TrimRight(strings.TrimSpace(os.Getenv("LICENSE_BASE_URL")), "/"),
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIBase:       strings.TrimSpace(os.Getenv("STRIPE_API_BASE")),
		BillingTimeout:      billingTimeout,
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		RateLimitPerMinute:  rateLimit,
		PublicStatus:        publicStatus,
		PublicMetrics:       publicMetrics,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, configError(fmt.Errorf("validate license server config: %w", err))
	}
	return cfg, nil
}

func configError(err error) error {
	return apperrors.E(apperrors.KindServerConfig, "load_config", err).WithMessage(err.Error())
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminToken == "" {
		missing = append(missing, "ADMIN_DASHBOARD_TOKEN")
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "LICENSE_BASE_URL")
	}
	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("LICENSE_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.StoreDriver != DriverSQLite && c.StoreDriver != DriverPostgres {
		return fmt.Errorf("LICENSE_STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.StoreDriver)
	}
	if c.DatabaseMaxConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be greater than 0, got %d", c.DatabaseMaxConns)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be greater than 0, got %d", c.RateLimitPerMinute)
	}
	if c.BillingTimeout <= 0 {
		return fmt.Errorf("BILLING_TIMEOUT must be greater than 0, got %s", c.BillingTimeout)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("LICENSE_BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("LICENSE_BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("LICENSE_BASE_URL must include a host")
	}
	return nil
}

// Redacted returns a printable view of the configuration with secrets masked.
func (c *Config) Redacted() map[string]string {
	return map[string]string{
		"LICENSE_DATA_DIR":      c.DataDir,
		"LICENSE_BIND_ADDRESS":  c.BindAddress,
		"LICENSE_PORT":          strconv.Itoa(c.Port),
		"LICENSE_STORE_DRIVER":  c.StoreDriver,
		"DATABASE_URL":          redact(c.DatabaseURL),
		"DATABASE_MAX_CONNS":    strconv.Itoa(c.DatabaseMaxConns),
		"ADMIN_DASHBOARD_TOKEN": redact(c.AdminToken),
		"LICENSE_SHARED_SECRET": redact(c.SharedSecret),
		"LICENSE_BASE_URL":      c.BaseURL,
		"STRIPE_SECRET_KEY":     redact(c.StripeSecretKey),
		"STRIPE_WEBHOOK_SECRET": redact(c.StripeWebhookSecret),
		"BILLING_TIMEOUT":       c.BillingTimeout.String(),
		"REDIS_URL":             redact(c.RedisURL),
		"RATE_LIMIT_PER_MINUTE": strconv.Itoa(c.RateLimitPerMinute),
		"PUBLIC_STATUS":         strconv.FormatBool(c.PublicStatus),
		"PUBLIC_METRICS":        strconv.FormatBool(c.PublicMetrics),
		"LOG_LEVEL":             c.LogLevel,
		"LOG_FORMAT":            c.LogFormat,
	}
}

func redact(v string) string {
	if v == "" {
		return "(unset)"
	}
	return "(set)"
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration such as 10s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
