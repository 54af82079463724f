package store

import (
	"errors"
	"strings"
	"time"
)

// LicenseStatus represents the lifecycle state of a license.
type LicenseStatus string

const (
	LicenseStatusActive  LicenseStatus = "active"
	LicenseStatusRevoked LicenseStatus = "revoked"
)

const (
	// DefaultMaxDevices applies when a license has no positive max_devices.
	DefaultMaxDevices = 3
	// DefaultPlan applies when a license has no plan.
	DefaultPlan = "pro"
	// DefaultAppVersion is recorded when a client does not report one.
	DefaultAppVersion = "unknown"

	// PaymentProviderStripe marks licenses billed through Stripe.
	PaymentProviderStripe = "stripe"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrEmptyFilter       = errors.New("at least one filter is required")
	ErrSlotLimitExceeded = errors.New("device slot limit exceeded")
	ErrHasDependents     = errors.New("license still has activations")
	ErrLicenseInactive   = errors.New("license is not active")
	ErrInvalidInput      = errors.New("invalid input")
)

// License is a grant of usage rights identified by a license key.
type License struct {
	ID               string        `json:"id"`
	LicenseKey       string        `json:"license_key"`
	Email            *string       `json:"email"`
	Plan             string        `json:"plan"`
	Status           LicenseStatus `json:"status"`
	DailyLimit       *int          `json:"daily_limit"`
	MaxDevices       int           `json:"max_devices"`
	PaymentProvider  *string       `json:"payment_provider"`
	PaymentReference *string       `json:"payment_reference"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        *time.Time    `json:"expires_at"`

	// Activations is only populated when requested via Filter.IncludeActivations.
	Activations []*Activation `json:"license_activations,omitempty"`
}

// EffectiveMaxDevices returns the slot limit, applying the default when unset.
func (l *License) EffectiveMaxDevices() int {
	if l == nil || l.MaxDevices <= 0 {
		return DefaultMaxDevices
	}
	return l.MaxDevices
}

// HasBillingLink reports whether the license is tied to a Stripe subscription
// or checkout session.
func (l *License) HasBillingLink() bool {
	if l == nil || l.PaymentProvider == nil || l.PaymentReference == nil {
		return false
	}
	return *l.PaymentProvider == PaymentProviderStripe && strings.TrimSpace(*l.PaymentReference) != ""
}

// IsExpired reports whether expires_at is set and before now.
func (l *License) IsExpired(now time.Time) bool {
	return l != nil && l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Activation binds one device to one license.
type Activation struct {
	ID          string    `json:"id"`
	LicenseID   string    `json:"license_id"`
	DeviceID    string    `json:"device_id"`
	DeviceLabel *string   `json:"device_label"`
	AppVersion  string    `json:"app_version"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ActivationInput is the payload for UpsertActivation.
type ActivationInput struct {
	LicenseID   string
	DeviceID    string
	AppVersion  string
	DeviceLabel *string
	SeenAt      time.Time
}

// Filter selects licenses for administrative search. Set fields are AND-ed.
type Filter struct {
	Email              string
	LicenseKey         string
	PaymentReference   string
	IncludeActivations bool
}

// Normalize trims the filter values and canonicalizes the license key.
func (f Filter) Normalize() Filter {
	f.Email = strings.TrimSpace(f.Email)
	f.LicenseKey = CanonicalLicenseKey(f.LicenseKey)
	f.PaymentReference = strings.TrimSpace(f.PaymentReference)
	return f
}

// IsEmpty reports whether no filter value is set.
func (f Filter) IsEmpty() bool {
	n := f.Normalize()
	return n.Email == "" && n.LicenseKey == "" && n.PaymentReference == ""
}

// CanonicalLicenseKey trims and upper-cases a human-entered license key.
func CanonicalLicenseKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// NormalizeLicense applies defaults before a license is persisted.
func NormalizeLicense(l *License) {
	l.LicenseKey = CanonicalLicenseKey(l.LicenseKey)
	if strings.TrimSpace(l.Plan) == "" {
		l.Plan = DefaultPlan
	}
	if l.Status == "" {
		l.Status = LicenseStatusActive
	}
	if l.MaxDevices <= 0 {
		l.MaxDevices = DefaultMaxDevices
	}
}
