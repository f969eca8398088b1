package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/davral/go-order-store/internal/models"
)

const loadVelocityWindow = 15 * time.Minute

// GetStoreLoad derives a load score for a store from its order counts. Pure
// read; callers may cache the result briefly (see cache.LoadCache).
//
//	score = pending + 1.5*active + 5*velocity
//
// where velocity is orders created in the trailing 15 minutes per minute.
func GetStoreLoad(ctx context.Context, db *sql.DB, storeID int64) (*models.StoreLoad, error) {
	load := &models.StoreLoad{StoreID: storeID}

	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE store_id = $1 AND status = $2`,
		storeID, models.OrderStatusPending).Scan(&load.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("count pending orders: %w", err)
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE store_id = $1 AND status IN ($2, $3)`,
		storeID, models.OrderStatusConfirmed, models.OrderStatusPacking).Scan(&load.ActiveCount)
	if err != nil {
		return nil, fmt.Errorf("count active orders: %w", err)
	}

	cutoff := time.Now().UTC().Add(-loadVelocityWindow)
	var recent int64
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE store_id = $1 AND created_at >= $2`,
		storeID, cutoff).Scan(&recent)
	if err != nil {
		return nil, fmt.Errorf("count recent orders: %w", err)
	}

	velocity := float64(recent) / loadVelocityWindow.Minutes()
	load.RecentVelocityPerMin = math.Round(velocity*100) / 100
	load.LoadScore = float64(load.PendingCount) + 1.5*float64(load.ActiveCount) + 5*velocity

	return load, nil
}
