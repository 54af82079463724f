package store

import (
	"context"
	"errors"

	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

// Store persists licenses and their device activations.
type Store interface {
	FindLicenseByKey(ctx context.Context, licenseKey string) (*License, error)
	GetLicense(ctx context.Context, id string) (*License, error)
	FindLicenses(ctx context.Context, filter Filter) ([]*License, error)
	FindLicenseByPaymentReference(ctx context.Context, provider, reference string) (*License, error)
	CreateLicense(ctx context.Context, l *License) error
	SetLicenseStatus(ctx context.Context, id string, status LicenseStatus) error

	CountActiveDevices(ctx context.Context, licenseID string) (int, error)
	// UpsertActivation records a device against a license, consuming a slot
	// only when the device is new. The bool reports whether a row was created.
	UpsertActivation(ctx context.Context, in ActivationInput) (*Activation, bool, error)
	ListActivations(ctx context.Context, licenseID string) ([]*Activation, error)
	DeleteActivation(ctx context.Context, id string) error
	DeleteActivationByDevice(ctx context.Context, licenseID, deviceID string) error
	DeleteActivationsForLicense(ctx context.Context, licenseID string) (int64, error)

	DeleteLicense(ctx context.Context, id string) error
	// DeleteLicenseCascade removes the license and all its activations in
	// one transaction.
	DeleteLicenseCascade(ctx context.Context, id string) error

	StatusCounts(ctx context.Context) (map[LicenseStatus]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Classify converts a store error into an application error of the matching
// kind for op. Unknown failures become STORAGE_ERROR.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return apperrors.E(apperrors.KindNotFound, op, err)
	case errors.Is(err, ErrEmptyFilter):
		return apperrors.E(apperrors.KindInvalidRequest, op, err).WithMessage("At least one filter is required")
	case errors.Is(err, ErrInvalidInput):
		return apperrors.E(apperrors.KindInvalidRequest, op, err)
	case errors.Is(err, ErrSlotLimitExceeded):
		return apperrors.E(apperrors.KindSlotLimitExceeded, op, err)
	case errors.Is(err, ErrLicenseInactive):
		return apperrors.E(apperrors.KindNotActive, op, err)
	case errors.Is(err, ErrConflict):
		return apperrors.E(apperrors.KindInvalidRequest, op, err).WithMessage("License key already exists")
	case errors.Is(err, ErrHasDependents):
		return apperrors.E(apperrors.KindHasDependents, op, err)
	default:
		return apperrors.E(apperrors.KindStorage, op, err)
	}
}
