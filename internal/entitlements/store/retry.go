package store

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/screenstranslate/license-server/internal/entitlements/entmetrics"
)

// RetryPolicy bounds the retry of transient write conflicts.
type RetryPolicy struct {
	Attempts  uint
	Delay     time.Duration
	MaxJitter time.Duration
}

// DefaultRetryPolicy is used when a store is opened without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  5,
	Delay:     20 * time.Millisecond,
	MaxJitter: 30 * time.Millisecond,
}

// WithConflictRetry runs fn, retrying while isTransient reports the error as
// a transient conflict. The last error is returned once attempts run out.
func WithConflictRetry(ctx context.Context, backend, op string, policy RetryPolicy, isTransient func(error) bool, fn func() error) error {
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy
	}
	// RandomDelay panics on a zero jitter bound.
	var delayType retry.DelayTypeFunc = retry.BackOffDelay
	if policy.MaxJitter > 0 {
		delayType = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.Delay),
		retry.MaxJitter(policy.MaxJitter),
		retry.DelayType(delayType),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			entmetrics.StoreConflictRetries.WithLabelValues(backend, op).Inc()
			log.Debug().
				Err(err).
				Str("backend", backend).
				Str("op", op).
				Uint("attempt", n+1).
				Msg("Retrying store operation after transient conflict")
		}),
	)
}
