package activation

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

// HandleActivate returns the POST /api/activate handler. When sharedSecret
// is non-empty, requests must carry it as a bearer token.
func HandleActivate(svc *Service, sharedSecret string) http.HandlerFunc {
	secret := []byte(strings.TrimSpace(sharedSecret))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpio.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if len(secret) > 0 && !bearerMatches(r, secret) {
			apperrors.WriteJSON(w, apperrors.E(apperrors.KindUnauthorized, "activate", nil))
			return
		}

		var req Request
		if err := httpio.DecodeJSON(w, r, "activate", &req); err != nil {
			apperrors.WriteJSON(w, err)
			return
		}

		res, err := svc.Activate(r.Context(), req)
		if err != nil {
			apperrors.WriteJSON(w, err)
			return
		}
		httpio.WriteJSON(w, http.StatusOK, res)
	}
}

func bearerMatches(r *http.Request, secret []byte) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), secret) == 1
}
