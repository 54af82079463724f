package activation

import (
	"context"
	"strings"
	"time"

	"github.com/screenstranslate/license-server/internal/entitlements/entmetrics"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
	"github.com/screenstranslate/license-server/internal/logging"
)

// Result is the client-visible outcome of a successful activation.
type Result struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	Plan       string              `json:"plan"`
	DailyLimit *int                `json:"daily_limit"`
	MaxDevices int                 `json:"max_devices"`
	ExpiresAt  *time.Time          `json:"expires_at"`
	Status     store.LicenseStatus `json:"status"`
	Email      *string             `json:"email"`
	AppVersion string              `json:"app_version"`
}

const activatedMessage = "License activated"

// Service decides whether a device may activate a license.
type Service struct {
	store store.Store
	now   func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source used for expiry checks and last_seen_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds an activation service on st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate validates req, checks the license and records the device. Nothing
// is written unless every check passes. Repeating the call for the same
// (license, device) yields the same result and only refreshes last_seen_at.
func (s *Service) Activate(ctx context.Context, req Request) (*Result, error) {
	res, err := s.activate(ctx, req)
	outcome := "activated"
	switch {
	case err != nil:
		outcome = strings.ToLower(string(apperrors.KindOf(err)))
	case res != nil && !res.created:
		outcome = "reactivated"
	}
	entmetrics.ActivationsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		return nil, err
	}
	return &res.Result, nil
}

type activationResult struct {
	Result
	created bool
}

func (s *Service) activate(ctx context.Context, req Request) (*activationResult, error) {
	logger := logging.FromContext(ctx)

	req, err := req.Validate()
	if err != nil {
		return nil, err
	}

	lic, err := s.store.FindLicenseByKey(ctx, req.LicenseKey)
	if err != nil {
		err = store.Classify("activate", err)
		if !apperrors.IsExpected(err) {
			logger.Error().Err(err).Msg("License lookup failed")
		}
		return nil, err
	}
	if lic.Status != store.LicenseStatusActive {
		return nil, apperrors.E(apperrors.KindNotActive, "activate", nil)
	}
	now := s.now().UTC()
	if lic.IsExpired(now) {
		return nil, apperrors.E(apperrors.KindExpired, "activate", nil)
	}

	_, created, err := s.store.UpsertActivation(ctx, store.ActivationInput{
		LicenseID:   lic.ID,
		DeviceID:    req.DeviceID,
		AppVersion:  req.AppVersion,
		DeviceLabel: req.DeviceLabel,
		SeenAt:      now,
	})
	if err != nil {
		err = store.Classify("activate", err)
		event := logger.Info()
		if !apperrors.IsExpected(err) {
			event = logger.Error()
		}
		event.Err(err).
			Str("license_id", lic.ID).
			Str("device_id", req.DeviceID).
			Msg("Activation rejected")
		return nil, err
	}

	logger.Info().
		Str("license_id", lic.ID).
		Str("device_id", req.DeviceID).
		Bool("new_device", created).
		Msg("Device activated")

	return &activationResult{
		Result: Result{
			Success:    true,
			Message:    activatedMessage,
			Plan:       lic.Plan,
			DailyLimit: lic.DailyLimit,
			MaxDevices: lic.EffectiveMaxDevices(),
			ExpiresAt:  lic.ExpiresAt,
			Status:     lic.Status,
			Email:      lic.Email,
			AppVersion: req.AppVersion,
		},
		created: created,
	}, nil
}
