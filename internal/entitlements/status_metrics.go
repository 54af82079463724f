package entitlements

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/screenstranslate/license-server/internal/entitlements/admin"
)

const statusMetricsInterval = time.Minute

func runStatusMetrics(ctx context.Context, c admin.StatusCounter) {
	ticker := time.NewTicker(statusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(ctx, c)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, c)
		}
	}
}

func updateStatusGauges(ctx context.Context, c admin.StatusCounter) {
	if _, err := admin.SyncStatusGauges(ctx, c); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Failed to update license status metrics")
	}
}
