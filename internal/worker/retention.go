package worker

import (
	"context"
	"database/sql"
	"time"

	"github.com/davral/go-order-store/internal/store"
	"github.com/rs/zerolog/log"
)

// DLQRetention deletes failed orders older than the retention window.
// Replay never removes entries; this sweeper is the only deletion path.
type DLQRetention struct {
	db        *sql.DB
	retention time.Duration
	interval  time.Duration
}

func NewDLQRetention(db *sql.DB, retention, interval time.Duration) *DLQRetention {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &DLQRetention{db: db, retention: retention, interval: interval}
}

func (w *DLQRetention) Run(ctx context.Context) {
	log.Info().Dur("retention", w.retention).Msg("dlq_retention_started")

	for {
		purged, err := store.PurgeFailedOrders(ctx, w.db, w.retention)
		if err != nil {
			log.Error().Err(err).Msg("dlq_purge_failed")
		} else if purged > 0 {
			log.Info().Int64("purged", purged).Msg("dlq_purge_completed")
		}

		select {
		case <-time.After(w.interval):
		case <-ctx.Done():
			log.Info().Msg("dlq_retention_stopped")
			return
		}
	}
}
