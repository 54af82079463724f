package admin

import (
	"context"
	"net/http"

	"github.com/screenstranslate/license-server/internal/entitlements/entmetrics"
	"github.com/screenstranslate/license-server/internal/entitlements/httpio"
	"github.com/screenstranslate/license-server/internal/entitlements/store"
	"github.com/screenstranslate/license-server/internal/logging"
)

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCounter counts licenses by status.
type StatusCounter interface {
	StatusCounts(ctx context.Context) (map[store.LicenseStatus]int, error)
}

type statusResponse struct {
	Version       string                      `json:"version"`
	TotalLicenses int                         `json:"total_licenses"`
	ByStatus      map[store.LicenseStatus]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// HandleReadyz returns a handler that checks storage connectivity (readiness probe).
func HandleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn().Err(err).Msg("Readiness check failed")
			writeText(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeText(w, http.StatusOK, "ready")
	}
}

// HandleStatus returns a handler that reports aggregate license counts.
func HandleStatus(c StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := SyncStatusGauges(r.Context(), c)
		if err != nil {
			logging.FromContext(r.Context()).Error().Err(err).Msg("Status counts failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		httpio.WriteJSON(w, http.StatusOK, statusResponse{
			Version:       version,
			TotalLicenses: total,
			ByStatus:      counts,
		})
	}
}

// SyncStatusGauges refreshes the licenses-by-status gauge and returns the
// counts it set. Statuses with no licenses are reported as zero.
func SyncStatusGauges(ctx context.Context, c StatusCounter) (map[store.LicenseStatus]int, error) {
	counts, err := c.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	if counts == nil {
		counts = make(map[store.LicenseStatus]int, 2)
	}
	for _, status := range []store.LicenseStatus{store.LicenseStatusActive, store.LicenseStatusRevoked} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	for status, n := range counts {
		entmetrics.LicensesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	return counts, nil
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
