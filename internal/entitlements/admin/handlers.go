package admin

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

type licensesResponse struct {
	Licenses []*store.License `json:"licenses"`
}

type activationsResponse struct {
	Activations []*store.Activation `json:"activations"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type licenseResponse struct {
	License *store.License `json:"license"`
}

// HandleSearchLicenses serves GET /admin/licenses.
func HandleSearchLicenses(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpio.MethodNotAllowed(w, http.MethodGet)
			return
		}
		q := r.URL.Query()
		filter := store.Filter{
			Email:              q.Get("email"),
			LicenseKey:         q.Get("license_key"),
			PaymentReference:   q.Get("payment_reference"),
			IncludeActivations: queryBool(q.Get("include_activations")),
		}
		licenses, err := svc.SearchLicenses(r.Context(), filter)
		if err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if licenses == nil {
			licenses = []*store.License{}
		}
		httpio.WriteJSON(w, http.StatusOK, licensesResponse{Licenses: licenses})
	}
}

// HandleLicenseActivations serves /admin/license-activations: GET lists by
// license_id, DELETE revokes by activation_id or license_id and device_id.
func HandleLicenseActivations(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeActivations(w, r, svc, r.URL.Query().Get("license_id"))
		case http.MethodDelete:
			var target RevokeTarget
			if err := httpio.DecodeJSON(w, r, "revoke_activation", &target); err != nil {
				apperrors.WriteJSON(w, err)
				return
			}
			q := r.URL.Query()
			if target.ActivationID == "" {
				target.ActivationID = q.Get("activation_id")
			}
			if target.LicenseID == "" {
				target.LicenseID = q.Get("license_id")
			}
			if target.DeviceID == "" {
				target.DeviceID = q.Get("device_id")
			}
			if err := svc.RevokeActivation(r.Context(), target); err != nil {
				apperrors.WriteJSON(w, err)
				return
			}
			httpio.WriteJSON(w, http.StatusOK, successResponse{Success: true})
		default:
			httpio.MethodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	}
}

// HandleActivationsForLicense serves GET /admin/licenses/{license_id}/activations.
func HandleActivationsForLicense(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpio.MethodNotAllowed(w, http.MethodGet)
			return
		}
		writeActivations(w, r, svc, r.PathValue("license_id"))
	}
}

// HandleDeleteActivation serves DELETE /admin/activations/{activation_id}.
func HandleDeleteActivation(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			httpio.MethodNotAllowed(w, http.MethodDelete)
			return
		}
		if err := svc.RevokeActivation(r.Context(), RevokeTarget{ActivationID: r.PathValue("activation_id")}); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		httpio.WriteJSON(w, http.StatusOK, successResponse{Success: true})
	}
}

// HandleRevokeLicense serves POST /admin/licenses/{license_id}/revoke.
func HandleRevokeLicense(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpio.MethodNotAllowed(w, http.MethodPost)
			return
		}
		lic, err := svc.RevokeLicense(r.Context(), r.PathValue("license_id"))
		if err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		httpio.WriteJSON(w, http.StatusOK, licenseResponse{License: lic})
	}
}

func writeActivations(w http.ResponseWriter, r *http.Request, svc *Service, licenseID string) {
	acts, err := svc.ListActivations(r.Context(), licenseID)
	if err != nil {
		apperrors.WriteJSON(w, err)
		return
	}
	if acts == nil {
		acts = []*store.Activation{}
	}
	httpio.WriteJSON(w, http.StatusOK, activationsResponse{Activations: acts})
}

func queryBool(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
