package selfservice

import (
	"context"
	"net/http"

	"github.com/screenstranslate/license-server/internal/entitlements/billing"
	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

type licenseResponse struct {
	License *Summary `json:"license"`
}

type portalResponse struct {
	URL string `json:"url"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type invoicesResponse struct {
	Invoices []billing.Invoice `json:"invoices"`
}

// postHandler decodes a Request from a POST body and hands it to fn.
func postHandler(op string, fn func(ctx context.Context, w http.ResponseWriter, req Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpio.MethodNotAllowed(w, http.MethodPost)
			return
		}
		var req Request
		if err := httpio.DecodeJSON(w, r, op, &req); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		if err := fn(r.Context(), w, req); err != nil {
			apperrors.WriteJSON(w, err)
		}
	}
}

// HandleLookup serves POST /api/license.
func HandleLookup(svc *Service) http.HandlerFunc {
	return postHandler("license_lookup", func(ctx context.Context, w http.ResponseWriter, req Request) error {
		sum, err := svc.Lookup(ctx, req)
		if err != nil {
			return err
		}
		httpio.WriteJSON(w, http.StatusOK, licenseResponse{License: sum})
		return nil
	})
}

// HandlePortal serves POST /api/license/portal.
func HandlePortal(svc *Service) http.HandlerFunc {
	return postHandler("license_portal", func(ctx context.Context, w http.ResponseWriter, req Request) error {
		url, err := svc.PortalURL(ctx, req)
		if err != nil {
			return err
		}
		httpio.WriteJSON(w, http.StatusOK, portalResponse{URL: url})
		return nil
	})
}

// HandleDelete serves POST /api/license/delete.
func HandleDelete(svc *Service) http.HandlerFunc {
	return postHandler("license_delete", func(ctx context.Context, w http.ResponseWriter, req Request) error {
		if err := svc.DeleteData(ctx, req); err != nil {
			return err
		}
		httpio.WriteJSON(w, http.StatusOK, successResponse{Success: true})
		return nil
	})
}

// HandleInvoices serves POST /api/license/invoices.
func HandleInvoices(svc *Service) http.HandlerFunc {
	return postHandler("license_invoices", func(ctx context.Context, w http.ResponseWriter, req Request) error {
		invoices, err := svc.Invoices(ctx, req)
		if err != nil {
			return err
		}
		httpio.WriteJSON(w, http.StatusOK, invoicesResponse{Invoices: invoices})
		return nil
	})
}

// HandleCheckoutLicense serves GET /api/checkout/sessions/{session_id}/license.
func HandleCheckoutLicense(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpio.MethodNotAllowed(w, http.MethodGet)
			return
		}
		sum, err := svc.CheckoutLicense(r.Context(), r.PathValue("session_id"))
		if err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		httpio.WriteJSON(w, http.StatusOK, licenseResponse{License: sum})
	}
}
