package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
	"github.com/davral/go-order-store/internal/store"
	"github.com/rs/zerolog/log"
)

// Reclaimer periodically returns stock held by expired, never-consumed
// reservations. It is the only writer allowed to transition an order item
// from active to released.
type Reclaimer struct {
	db       *sql.DB
	interval time.Duration
	backoff  time.Duration
	sampler  store.SnapshotSampler
}

func NewReclaimer(db *sql.DB, interval, backoff time.Duration, sampler store.SnapshotSampler) *Reclaimer {
	if interval <= 0 {
		interval = time.Minute
	}
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	return &Reclaimer{db: db, interval: interval, backoff: backoff, sampler: sampler}
}

// Run loops until ctx is cancelled. A failed cycle is logged and followed
// by a short backoff; it never terminates the loop.
func (r *Reclaimer) Run(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("reclaimer_started")

	for {
		released, err := r.ReclaimExpired(ctx)
		if err != nil {
			log.Error().Err(err).Msg("reclaim_cycle_failed")
			select {
			case <-time.After(r.backoff):
			case <-ctx.Done():
				return
			}
		} else if released > 0 {
			log.Info().Int("released", released).Msg("reclaim_cycle_completed")
		}

		select {
		case <-time.After(r.interval):
		case <-ctx.Done():
			log.Info().Msg("reclaimer_stopped")
			return
		}
	}
}

type expiredItem struct {
	itemID    int64
	orderID   int64
	productID int64
	storeID   int64
	quantity  int
}

// ReclaimExpired runs one reclaim cycle in a single transaction: every
// active order item whose reservation_expires_at has passed is locked,
// its stock is released back to the inventory row, and the item is marked
// released. Returns the number of items released.
func (r *Reclaimer) ReclaimExpired(ctx context.Context) (int, error) {
	released := 0

	err := database.WithRetry(ctx, r.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		released = 0
		// SKIP LOCKED keeps concurrent cycles (or a slow checkout holding
		// an item's row) from blocking the whole sweep.
		rows, err := tx.QueryContext(ctx,
			`SELECT oi.id, oi.order_id, oi.product_id, o.store_id, oi.quantity
			 FROM order_items oi
			 JOIN orders o ON o.id = oi.order_id
			 WHERE oi.reservation_status = $1 AND oi.reservation_expires_at <= NOW()
			 ORDER BY oi.product_id
			 FOR UPDATE OF oi SKIP LOCKED`,
			models.ReservationActive)
		if err != nil {
			return fmt.Errorf("select expired reservations: %w", err)
		}

		var expired []expiredItem
		for rows.Next() {
			var item expiredItem
			if err := rows.Scan(&item.itemID, &item.orderID, &item.productID, &item.storeID, &item.quantity); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired reservation: %w", err)
			}
			expired = append(expired, item)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("rows error: %w", err)
		}
		rows.Close()

		for _, item := range expired {
			_, err := store.ReleaseStock(ctx, tx, item.productID, item.storeID, item.quantity, r.sampler)
			if err != nil {
				if err == database.ErrInventoryNotFound {
					// The inventory row is gone; still retire the item so
					// it is not rescanned forever.
					log.Warn().
						Int64("order_item_id", item.itemID).
						Int64("product_id", item.productID).
						Msg("reclaim_inventory_missing")
				} else {
					return fmt.Errorf("release product %d: %w", item.productID, err)
				}
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE order_items SET reservation_status = $1 WHERE id = $2`,
				models.ReservationReleased, item.itemID)
			if err != nil {
				return fmt.Errorf("mark reservation released: %w", err)
			}

			log.Info().
				Int64("order_id", item.orderID).
				Int64("product_id", item.productID).
				Int("quantity", item.quantity).
				Msg("reservation_released")
			released++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return released, nil
}
