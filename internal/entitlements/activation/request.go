package activation

import (
	"strings"

	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
)

// Request is the body of POST /api/activate.
type Request struct {
	LicenseKey  string  `json:"license_key" validate:"required,max=128"`
	DeviceID    string  `json:"device_id" validate:"required,max=256"`
	AppVersion  string  `json:"app_version,omitempty" validate:"max=64"`
	DeviceLabel *string `json:"device_label,omitempty" validate:"omitempty,max=256"`
}

// Validate returns the normalized request, or an INVALID_REQUEST error. It
// has no side effects.
func (r Request) Validate() (Request, error) {
	r.LicenseKey = store.CanonicalLicenseKey(r.LicenseKey)
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.AppVersion = strings.TrimSpace(r.AppVersion)
	if r.DeviceLabel != nil {
		label := strings.TrimSpace(*r.DeviceLabel)
		if label == "" {
			r.DeviceLabel = nil
		} else {
			r.DeviceLabel = &label
		}
	}

	if err := httpio.Validate("activate", r); err != nil {
		return Request{}, err
	}
	if r.AppVersion == "" {
		r.AppVersion = store.DefaultAppVersion
	}
	return r, nil
}
