package entitlements

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/screenstranslate/license-server/internal/entitlements/billing"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	"github.com/screenstranslate/license-server/internal/entitlements/store/gormstore"
	"github.com/screenstranslate/license-server/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// OpenStore opens the store selected by cfg.StoreDriver and applies its schema.
func OpenStore(ctx context.Context, cfg *Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case DriverPostgres:
		st, err := gormstore.Open(ctx, gormstore.Config{
			DatabaseURL: cfg.DatabaseURL,
			MaxConns:    cfg.DatabaseMaxConns,
			Retry:       store.DefaultRetryPolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

// Run starts the license server HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "license-server",
	})
	log.Info().Str("version", version).Str("store", cfg.StoreDriver).Msg("Starting license server")

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey: cfg.StripeSecretKey,
		Timeout:   cfg.BillingTimeout,
		BaseURL:   cfg.StripeAPIBase,
	})
	if err != nil {
		return configError(fmt.Errorf("init billing provider: %w", err))
	}
	reconciler := billing.NewReconciler(st, provider, cfg.BillingTimeout)
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook endpoint disabled")
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter RateLimiter
	if cfg.RedisURL != "" {
		client, err := ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect rate limit redis: %w", err)
		}
		defer client.Close()
		limiter = NewRedisRateLimiter(client, cfg.RateLimitPerMinute, time.Minute)
		log.Info().Msg("Rate limiter: redis (shared)")
	} else {
		mem := NewMemoryRateLimiter(cfg.RateLimitPerMinute, time.Minute)
		go runLimiterSweep(ctx, mem, 5*time.Minute)
		limiter = mem
		log.Info().Msg("Rate limiter: in-process (set REDIS_URL to share across instances)")
	}

	handler, err := NewHandler(&Deps{
		Config:  cfg,
		Store:   st,
		Billing: reconciler,
		Limiter: limiter,
		Version: version,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start metrics updater
	go runStatusMetrics(ctx, st)

	// Start server in background
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("License server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("License server stopped")
	return runErr
}
