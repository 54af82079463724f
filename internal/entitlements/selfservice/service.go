// Package selfservice serves the license owner's endpoints: lookup, billing
// portal, invoices, data deletion and post-checkout resolution. Possession
// of the license key is the only credential.
package selfservice

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/screenstranslate/license-server/internal/entitlements/billing"
	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

// PortalReturnPath is appended to the base URL when no return URL is given.
const PortalReturnPath = "/panel"

// InvoiceLimit caps the invoices returned per request.
const InvoiceLimit = 24

// Billing is the subset of the billing reconciler the endpoints use.
type Billing interface {
	GetPortalURL(ctx context.Context, lic *store.License, returnURL string) (string, error)
	DeleteLicenseData(ctx context.Context, licenseKey string) error
	ListInvoices(ctx context.Context, lic *store.License, limit int) ([]billing.Invoice, error)
	ResolveLicenseForCheckoutSession(ctx context.Context, sessionID string) (*store.License, error)
}

// Request is the body every self-service POST accepts.
type Request struct {
	LicenseKey string `json:"license_key" validate:"required,max=128"`
	ReturnURL  string `json:"return_url,omitempty" validate:"omitempty,max=2048"`
}

// Validate normalizes the request and checks it.
func (r Request) Validate(op string) (Request, error) {
	r.LicenseKey = store.CanonicalLicenseKey(r.LicenseKey)
	r.ReturnURL = strings.TrimSpace(r.ReturnURL)
	if err := httpio.Validate(op, r); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Summary is the owner-facing view of a license.
type Summary struct {
	LicenseKey      string              `json:"license_key"`
	Plan            string              `json:"plan"`
	Status          store.LicenseStatus `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	MaxDevices      int                 `json:"max_devices"`
	ExpiresAt       *time.Time          `json:"expires_at"`
	PaymentProvider *string             `json:"payment_provider"`
	ActiveDevices   int                 `json:"active_devices"`
}

// Service implements the self-service operations.
type Service struct {
	store   store.Store
	billing Billing
	baseURL *url.URL
}

// NewService builds the service. baseURL is the public origin of the server
// used for portal return URLs.
func NewService(st store.Store, b Billing, baseURL string) (*Service, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Msg(apperrors.KindServerConfig, "selfservice", "base URL must be an absolute URL")
	}
	return &Service{store: st, billing: b, baseURL: u}, nil
}

func (s *Service) license(ctx context.Context, op, key string) (*store.License, error) {
	lic, err := s.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, store.Classify(op, err)
	}
	return lic, nil
}

// Lookup returns the summary of the license behind req.LicenseKey.
func (s *Service) Lookup(ctx context.Context, req Request) (*Summary, error) {
	const op = "license_lookup"
	req, err := req.Validate(op)
	if err != nil {
		return nil, err
	}
	lic, err := s.license(ctx, op, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	n, err := s.store.CountActiveDevices(ctx, lic.ID)
	if err != nil {
		return nil, store.Classify(op, err)
	}
	return &Summary{
		LicenseKey:      lic.LicenseKey,
		Plan:            lic.Plan,
		Status:          lic.Status,
		CreatedAt:       lic.CreatedAt,
		MaxDevices:      lic.EffectiveMaxDevices(),
		ExpiresAt:       lic.ExpiresAt,
		PaymentProvider: lic.PaymentProvider,
		ActiveDevices:   n,
	}, nil
}

// PortalURL returns a billing portal URL for the license's customer.
func (s *Service) PortalURL(ctx context.Context, req Request) (string, error) {
	const op = "license_portal"
	req, err := req.Validate(op)
	if err != nil {
		return "", err
	}
	returnURL, err := s.returnURL(op, req.ReturnURL)
	if err != nil {
		return "", err
	}
	lic, err := s.license(ctx, op, req.LicenseKey)
	if err != nil {
		return "", err
	}
	return s.billing.GetPortalURL(ctx, lic, returnURL)
}

// returnURL resolves raw against the base URL and rejects foreign origins.
func (s *Service) returnURL(op, raw string) (string, error) {
	if raw == "" {
		return s.baseURL.String() + PortalReturnPath, nil
	}
	u, err := s.baseURL.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, s.baseURL.Scheme) || !strings.EqualFold(u.Host, s.baseURL.Host) {
		return "", apperrors.Msg(apperrors.KindInvalidRequest, op, "return_url must be on this site")
	}
	return u.String(), nil
}

// DeleteData removes the license and its activations unless a live
// subscription still bills for it.
func (s *Service) DeleteData(ctx context.Context, req Request) error {
	req, err := req.Validate("license_delete")
	if err != nil {
		return err
	}
	return s.billing.DeleteLicenseData(ctx, req.LicenseKey)
}

// Invoices lists the most recent invoices of the license's subscription.
func (s *Service) Invoices(ctx context.Context, req Request) ([]billing.Invoice, error) {
	const op = "license_invoices"
	req, err := req.Validate(op)
	if err != nil {
		return nil, err
	}
	lic, err := s.license(ctx, op, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	invoices, err := s.billing.ListInvoices(ctx, lic, InvoiceLimit)
	if err != nil {
		return nil, err
	}
	if invoices == nil {
		invoices = []billing.Invoice{}
	}
	return invoices, nil
}

// CheckoutLicense returns the summary of the license provisioned for a
// checkout session, or nil when none exists yet.
func (s *Service) CheckoutLicense(ctx context.Context, sessionID string) (*Summary, error) {
	lic, err := s.billing.ResolveLicenseForCheckoutSession(ctx, sessionID)
	if err != nil || lic == nil {
		return nil, err
	}
	return &Summary{
		LicenseKey:      lic.LicenseKey,
		Plan:            lic.Plan,
		Status:          lic.Status,
		CreatedAt:       lic.CreatedAt,
		MaxDevices:      lic.EffectiveMaxDevices(),
		ExpiresAt:       lic.ExpiresAt,
		PaymentProvider: lic.PaymentProvider,
	}, nil
}
