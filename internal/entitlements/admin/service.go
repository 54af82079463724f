package admin

import (
	"context"
	"strings"

	"github.com/screenstranslate/license-server/internal/entitlements/store"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
	"github.com/screenstranslate/license-server/internal/logging"
)

// Service implements the administrative queries and revocations.
type Service struct {
	store store.Store
}

// NewService returns an admin service on st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// SearchLicenses returns licenses matching every set filter, newest first.
// At least one filter is required.
func (s *Service) SearchLicenses(ctx context.Context, filter store.Filter) ([]*store.License, error) {
	licenses, err := s.store.FindLicenses(ctx, filter)
	if err != nil {
		return nil, store.Classify("search_licenses", err)
	}
	return licenses, nil
}

// ListActivations returns a license's activations, most recently seen first.
func (s *Service) ListActivations(ctx context.Context, licenseID string) ([]*store.Activation, error) {
	licenseID = strings.TrimSpace(licenseID)
	if licenseID == "" {
		return nil, apperrors.Msg(apperrors.KindInvalidRequest, "list_activations", "license_id is required")
	}
	acts, err := s.store.ListActivations(ctx, licenseID)
	if err != nil {
		return nil, store.Classify("list_activations", err)
	}
	return acts, nil
}

// RevokeTarget identifies one activation, by id or by (license, device).
type RevokeTarget struct {
	ActivationID string `json:"activation_id"`
	LicenseID    string `json:"license_id"`
	DeviceID     string `json:"device_id"`
}

func (t RevokeTarget) normalize() RevokeTarget {
	t.ActivationID = strings.TrimSpace(t.ActivationID)
	t.LicenseID = strings.TrimSpace(t.LicenseID)
	t.DeviceID = strings.TrimSpace(t.DeviceID)
	return t
}

// RevokeActivation deletes one activation, freeing its slot.
func (s *Service) RevokeActivation(ctx context.Context, target RevokeTarget) error {
	const op = "revoke_activation"
	t := target.normalize()

	var err error
	switch {
	case t.ActivationID != "":
		err = s.store.DeleteActivation(ctx, t.ActivationID)
	case t.LicenseID != "" && t.DeviceID != "":
		err = s.store.DeleteActivationByDevice(ctx, t.LicenseID, t.DeviceID)
	default:
		return apperrors.Msg(apperrors.KindInvalidRequest, op, "activation_id or license_id and device_id are required")
	}
	if err != nil {
		return store.Classify(op, err)
	}

	logging.FromContext(ctx).Info().
		Str("activation_id", t.ActivationID).
		Str("license_id", t.LicenseID).
		Str("device_id", t.DeviceID).
		Msg("Activation revoked by admin")
	return nil
}

// RevokeLicense moves a license to revoked. Revoking twice is a no-op.
func (s *Service) RevokeLicense(ctx context.Context, licenseID string) (*store.License, error) {
	const op = "revoke_license"
	licenseID = strings.TrimSpace(licenseID)
	if licenseID == "" {
		return nil, apperrors.Msg(apperrors.KindInvalidRequest, op, "license_id is required")
	}
	if err := s.store.SetLicenseStatus(ctx, licenseID, store.LicenseStatusRevoked); err != nil {
		return nil, store.Classify(op, err)
	}
	lic, err := s.store.GetLicense(ctx, licenseID)
	if err != nil {
		return nil, store.Classify(op, err)
	}
	logging.FromContext(ctx).Info().Str("license_id", licenseID).Msg("License revoked by admin")
	return lic, nil
}
