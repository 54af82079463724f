package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

// AdminTokenHeader carries the admin token.
const AdminTokenHeader = "X-Admin-Token"

// TokenPolicy authorizes administrative requests against a token fixed at
// construction. An empty token denies every request.
type TokenPolicy struct {
	token []byte
}

// NewTokenPolicy returns a policy for token.
func NewTokenPolicy(token string) *TokenPolicy {
	return &TokenPolicy{token: []byte(strings.TrimSpace(token))}
}

// Configured reports whether the policy can ever authorize a request.
func (p *TokenPolicy) Configured() bool {
	return p != nil && len(p.token) > 0
}

// Authorize reports whether r presents the admin token in the X-Admin-Token
// header, an Authorization bearer, or the admin_token query parameter.
func (p *TokenPolicy) Authorize(r *http.Request) bool {
	if !p.Configured() {
		return false
	}
	for _, candidate := range presentedTokens(r) {
		if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), p.token) == 1 {
			return true
		}
	}
	return false
}

func presentedTokens(r *http.Request) []string {
	tokens := []string{strings.TrimSpace(r.Header.Get(AdminTokenHeader))}
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		tokens = append(tokens, strings.TrimSpace(bearer))
	}
	tokens = append(tokens, strings.TrimSpace(r.URL.Query().Get("admin_token")))
	return tokens
}

// Middleware rejects requests the policy does not authorize with 401.
func (p *TokenPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Authorize(r) {
			apperrors.WriteJSON(w, apperrors.E(apperrors.KindUnauthorized, "admin", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
