package entitlements

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/screenstranslate/license-server/internal/errors"
	"github.com/screenstranslate/license-server/internal/logging"
)

const (
	defaultRateLimit  = 60
	defaultRateWindow = time.Minute
)

// RateLimiter decides whether another request for key fits the budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryRateLimiter is a per-process sliding-window limiter keyed by client IP.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewMemoryRateLimiter creates a rate limiter with the given limit per window.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &MemoryRateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow checks whether key is within the rate limit.
func (rl *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Filter expired entries
	valid := rl.attempts[key][:0]
	for _, t := range rl.attempts[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.attempts[key] = valid
		return false, nil
	}

	rl.attempts[key] = append(valid, now)
	return true, nil
}

// Sweep drops keys whose attempts have all expired.
func (rl *MemoryRateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for key, times := range rl.attempts {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.attempts, key)
		}
	}
}

// RateLimit wraps next so requests over budget get 429 RATE_LIMITED. name
// scopes the budget so endpoints do not share counters. Limiter failures let
// the request through.
func RateLimit(limiter RateLimiter, name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := limiter.Allow(r.Context(), name+":"+clientIP(r))
		if err != nil {
			logging.FromContext(r.Context()).Warn().Err(err).Str("limiter", name).Msg("Rate limiter unavailable")
			allowed = true
		}
		if !allowed {
			w.Header().Set("Retry-After", "60")
			apperrors.WriteJSON(w, apperrors.E(apperrors.KindRateLimited, name, nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		// Use the first IP in the chain.
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func runLimiterSweep(ctx context.Context, rl *MemoryRateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}
