package entitlements

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/screenstranslate/license-server/internal/entitlements/activation"
	"github.com/screenstranslate/license-server/internal/entitlements/admin"
	"github.com/screenstranslate/license-server/internal/entitlements/billing"
	"github.com/screenstranslate/license-server/internal/entitlements/selfservice"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	"github.com/screenstranslate/license-server/internal/logging"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *Config
	Store   store.Store
	Billing *billing.Reconciler
	Limiter RateLimiter // nil uses a per-process limiter
	Version string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) error {
	cfg := deps.Config
	policy := admin.NewTokenPolicy(cfg.AdminToken)
	adminAuth := policy.Middleware

	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewMemoryRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	}
	limited := func(name string, h http.Handler) http.Handler {
		return RateLimit(limiter, name, h)
	}

	selfSvc, err := selfservice.NewService(deps.Store, deps.Billing, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("build self-service endpoints: %w", err)
	}
	activationSvc := activation.NewService(deps.Store)
	adminSvc := admin.NewService(deps.Store)

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	// Status and metrics are private by default.
	statusHandler := http.Handler(admin.HandleStatus(deps.Store, deps.Version))
	if !cfg.PublicStatus {
		statusHandler = adminAuth(statusHandler)
	}
	mux.Handle("/status", statusHandler)

	metricsHandler := promhttp.Handler()
	if !cfg.PublicMetrics {
		metricsHandler = adminAuth(metricsHandler)
	}
	mux.Handle("/metrics", metricsHandler)

	// Activation (optionally shared-secret authenticated)
	mux.Handle("/api/activate", limited("activate", activation.HandleActivate(activationSvc, cfg.SharedSecret)))

	// License self-service (license key is the credential)
	mux.Handle("/api/license", limited("license", selfservice.HandleLookup(selfSvc)))
	mux.Handle("/api/license/portal", limited("license", selfservice.HandlePortal(selfSvc)))
	mux.Handle("/api/license/delete", limited("license", selfservice.HandleDelete(selfSvc)))
	mux.Handle("/api/license/invoices", limited("license", selfservice.HandleInvoices(selfSvc)))
	mux.Handle("/api/checkout/sessions/{session_id}/license", limited("checkout", selfservice.HandleCheckoutLicense(selfSvc)))

	// Stripe webhook (signature-authenticated, not IP rate limited)
	mux.Handle("/api/stripe/webhook", billing.NewWebhookHandler(cfg.StripeWebhookSecret, deps.Billing))

	// Admin API (token-authenticated)
	mux.Handle("/admin/licenses", adminAuth(admin.HandleSearchLicenses(adminSvc)))
	mux.Handle("/admin/licenses/{license_id}/activations", adminAuth(admin.HandleActivationsForLicense(adminSvc)))
	mux.Handle("/admin/licenses/{license_id}/revoke", adminAuth(admin.HandleRevokeLicense(adminSvc)))
	mux.Handle("/admin/license-activations", adminAuth(admin.HandleLicenseActivations(adminSvc)))
	mux.Handle("/admin/activations/{activation_id}", adminAuth(admin.HandleDeleteActivation(adminSvc)))
	return nil
}

// NewHandler returns the full middleware-wrapped HTTP handler.
func NewHandler(deps *Deps) (http.Handler, error) {
	mux := http.NewServeMux()
	if err := RegisterRoutes(mux, deps); err != nil {
		return nil, err
	}
	return logging.Middleware(SecurityHeaders(mux)), nil
}
