package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
)

// Snapshot reasons. Critical reasons are never sampled away.
const (
	ReasonStockReservation = "stock_reservation"
	ReasonStockRelease     = "stock_release"
	ReasonManualAdjustment = "manual_adjustment"
	ReasonStockOut         = "stock_out"
	ReasonAuditFailure     = "audit_failure"
)

const DefaultSnapshotSampleRate = 0.2

var criticalSnapshotReasons = map[string]bool{
	ReasonManualAdjustment: true,
	ReasonStockOut:         true,
	ReasonAuditFailure:     true,
}

// SnapshotSampler decides whether a mutation with the given reason gets an
// audit snapshot row. It is injectable so tests can force deterministic
// sampling; a nil sampler falls back to NewSnapshotSampler(DefaultSnapshotSampleRate).
type SnapshotSampler func(reason string) bool

// NewSnapshotSampler returns a sampler that always snapshots critical
// reasons and snapshots everything else with the given probability.
func NewSnapshotSampler(rate float64) SnapshotSampler {
	return func(reason string) bool {
		if criticalSnapshotReasons[reason] {
			return true
		}
		return rand.Float64() < rate
	}
}

var defaultSampler = NewSnapshotSampler(DefaultSnapshotSampleRate)

// CheckAvailability is an unlocked advisory read. It must not be used as
// the sole gate before reserving; ReserveStock re-checks under the row lock.
func CheckAvailability(ctx context.Context, db *sql.DB, productID, storeID int64, quantity int) (bool, error) {
	inv, err := GetInventoryItem(ctx, db, productID, storeID)
	if err != nil {
		if err == database.ErrInventoryNotFound {
			return false, nil
		}
		return false, err
	}
	return inv.AvailableQuantity() >= quantity, nil
}

func GetInventoryItem(ctx context.Context, db *sql.DB, productID, storeID int64) (*models.Inventory, error) {
	query := `
		SELECT id, product_id, store_id, quantity, reserved_quantity,
		       COALESCE(batch_id, ''), COALESCE(location_id, ''), last_snapshot_at
		FROM inventory
		WHERE product_id = $1 AND store_id = $2`

	inv, err := scanInventory(db.QueryRowContext(ctx, query, productID, storeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrInventoryNotFound
		}
		return nil, fmt.Errorf("get inventory: %w", err)
	}
	return inv, nil
}

func lockInventory(ctx context.Context, tx *sql.Tx, productID, storeID int64) (*models.Inventory, error) {
	query := `
		SELECT id, product_id, store_id, quantity, reserved_quantity,
		       COALESCE(batch_id, ''), COALESCE(location_id, ''), last_snapshot_at
		FROM inventory
		WHERE product_id = $1 AND store_id = $2
		FOR UPDATE`

	inv, err := scanInventory(tx.QueryRowContext(ctx, query, productID, storeID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrInventoryNotFound
		}
		return nil, fmt.Errorf("lock inventory: %w", err)
	}
	return inv, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInventory(row rowScanner) (*models.Inventory, error) {
	inv := &models.Inventory{}
	err := row.Scan(
		&inv.ID,
		&inv.ProductID,
		&inv.StoreID,
		&inv.Quantity,
		&inv.ReservedQuantity,
		&inv.BatchID,
		&inv.LocationID,
		&inv.LastSnapshotAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// ReserveStock places a hold on inventory for one order item. It locks the
// single (product, store) row, re-checks availability under the lock, and
// increments reserved_quantity. Must run inside the caller's transaction so
// the lock is held until that transaction ends.
func ReserveStock(ctx context.Context, tx *sql.Tx, productID, storeID int64, quantity int, sampler SnapshotSampler) (*models.Inventory, error) {
	inv, err := lockInventory(ctx, tx, productID, storeID)
	if err != nil {
		return nil, err
	}

	if inv.AvailableQuantity() < quantity {
		return nil, database.ErrInsufficientStock
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory SET reserved_quantity = reserved_quantity + $1 WHERE id = $2`,
		quantity, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("reserve stock: %w", err)
	}
	inv.ReservedQuantity += quantity

	if _, err := CreateSnapshot(ctx, tx, inv, ReasonStockReservation, sampler); err != nil {
		return nil, err
	}

	return inv, nil
}

// ReleaseStock reverses a reservation, flooring reserved_quantity at zero.
// Used by the expiry reclaimer.
func ReleaseStock(ctx context.Context, tx *sql.Tx, productID, storeID int64, quantity int, sampler SnapshotSampler) (*models.Inventory, error) {
	inv, err := lockInventory(ctx, tx, productID, storeID)
	if err != nil {
		return nil, err
	}

	released := quantity
	if released > inv.ReservedQuantity {
		released = inv.ReservedQuantity
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory SET reserved_quantity = reserved_quantity - $1 WHERE id = $2`,
		released, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("release stock: %w", err)
	}
	inv.ReservedQuantity -= released

	if _, err := CreateSnapshot(ctx, tx, inv, ReasonStockRelease, sampler); err != nil {
		return nil, err
	}

	return inv, nil
}

// AdjustStock sets the absolute quantity for a (product, store) row. Manual
// adjustments are critical events and always snapshot. The new quantity must
// cover the amount currently reserved by open orders; an adjustment below it
// would take available negative.
func AdjustStock(ctx context.Context, db *sql.DB, productID, storeID int64, newQuantity int, sampler SnapshotSampler) (*models.Inventory, error) {
	var inv *models.Inventory

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		locked, err := lockInventory(ctx, tx, productID, storeID)
		if err != nil {
			return err
		}

		if newQuantity < locked.ReservedQuantity {
			return fmt.Errorf("adjust to %d with %d reserved: %w",
				newQuantity, locked.ReservedQuantity, database.ErrAdjustBelowReserved)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE inventory SET quantity = $1 WHERE id = $2`,
			newQuantity, locked.ID)
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		locked.Quantity = newQuantity

		if _, err := CreateSnapshot(ctx, tx, locked, ReasonManualAdjustment, sampler); err != nil {
			return err
		}

		inv = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	return inv, nil
}

// CreateSnapshot appends an audit row for inv when the sampler elects the
// event. last_snapshot_at is touched on every call, even when no row is
// written.
func CreateSnapshot(ctx context.Context, tx *sql.Tx, inv *models.Inventory, reason string, sampler SnapshotSampler) (*models.InventorySnapshot, error) {
	if sampler == nil {
		sampler = defaultSampler
	}

	now := time.Now().UTC()

	if !sampler(reason) {
		_, err := tx.ExecContext(ctx,
			`UPDATE inventory SET last_snapshot_at = $1 WHERE id = $2`,
			now, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("touch last_snapshot_at: %w", err)
		}
		inv.LastSnapshotAt = &now
		return nil, nil
	}

	snapshot := &models.InventorySnapshot{
		InventoryID:      inv.ID,
		Quantity:         inv.Quantity,
		ReservedQuantity: inv.ReservedQuantity,
		TakenAt:          now,
		Reason:           reason,
	}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO inventory_snapshots (inventory_id, quantity, reserved_quantity, taken_at, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		snapshot.InventoryID, snapshot.Quantity, snapshot.ReservedQuantity, snapshot.TakenAt, snapshot.Reason,
	).Scan(&snapshot.ID)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE inventory SET last_snapshot_at = $1 WHERE id = $2`,
		now, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("touch last_snapshot_at: %w", err)
	}
	inv.LastSnapshotAt = &now

	return snapshot, nil
}

func CreateInventory(ctx context.Context, db *sql.DB, productID, storeID int64, quantity int, batchID, locationID string) (*models.Inventory, error) {
	inv := &models.Inventory{
		ProductID:  productID,
		StoreID:    storeID,
		Quantity:   quantity,
		BatchID:    batchID,
		LocationID: locationID,
	}

	err := db.QueryRowContext(ctx,
		`INSERT INTO inventory (product_id, store_id, quantity, reserved_quantity, batch_id, location_id)
		 VALUES ($1, $2, $3, 0, NULLIF($4, ''), NULLIF($5, ''))
		 RETURNING id`,
		productID, storeID, quantity, batchID, locationID,
	).Scan(&inv.ID)
	if err != nil {
		return nil, fmt.Errorf("create inventory: %w", err)
	}

	return inv, nil
}

func ListStoreInventory(ctx context.Context, db *sql.DB, storeID int64, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory WHERE store_id = $1`, storeID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count inventory: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, product_id, store_id, quantity, reserved_quantity,
		       COALESCE(batch_id, ''), COALESCE(location_id, ''), last_snapshot_at
		FROM inventory
		WHERE store_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, storeID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}
	defer rows.Close()

	var items []models.Inventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		items = append(items, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(items, total, page, pageSize), nil
}

// ListLowStock returns rows whose derived available quantity is at or below
// threshold. Served by a partial index on (quantity - reserved_quantity).
func ListLowStock(ctx context.Context, db *sql.DB, threshold int, storeID int64) ([]models.Inventory, error) {
	query := `
		SELECT id, product_id, store_id, quantity, reserved_quantity,
		       COALESCE(batch_id, ''), COALESCE(location_id, ''), last_snapshot_at
		FROM inventory
		WHERE (quantity - reserved_quantity) <= $1`
	args := []interface{}{threshold}

	if storeID > 0 {
		query += ` AND store_id = $2`
		args = append(args, storeID)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	defer rows.Close()

	var items []models.Inventory
	for rows.Next() {
		inv, err := scanInventory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inventory: %w", err)
		}
		items = append(items, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// TotalAvailableStock sums available stock for a product across all stores.
func TotalAvailableStock(ctx context.Context, db *sql.DB, productID int64) (int, error) {
	var total sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT SUM(quantity - reserved_quantity) FROM inventory WHERE product_id = $1`,
		productID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("aggregate stock: %w", err)
	}
	return int(total.Int64), nil
}

func ListSnapshots(ctx context.Context, db *sql.DB, inventoryID int64, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inventory_snapshots WHERE inventory_id = $1`, inventoryID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count snapshots: %w", err)
	}

	offset := (page - 1) * pageSize
	rows, err := db.QueryContext(ctx,
		`SELECT id, inventory_id, quantity, reserved_quantity, taken_at, COALESCE(reason, '')
		 FROM inventory_snapshots
		 WHERE inventory_id = $1
		 ORDER BY taken_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		inventoryID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.InventorySnapshot
	for rows.Next() {
		var s models.InventorySnapshot
		err := rows.Scan(&s.ID, &s.InventoryID, &s.Quantity, &s.ReservedQuantity, &s.TakenAt, &s.Reason)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(snaps, total, page, pageSize), nil
}
