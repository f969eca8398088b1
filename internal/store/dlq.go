package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
	"github.com/rs/zerolog/log"
)

// failedOrderPayloadVersion tags the payload envelope so future request
// shape changes fail replay loudly instead of silently corrupting it.
const failedOrderPayloadVersion = 1

type failedOrderPayload struct {
	Version int                `json:"version"`
	Request CreateOrderRequest `json:"request"`
}

var ErrFailedOrderResolved = errors.New("failed order already resolved")

// ReplayError reports a replay attempt that failed again. The FailedOrder
// is never discarded; only its retry bookkeeping changes.
type ReplayError struct {
	FailedOrderID int64
	Err           error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of failed order %d failed: %v", e.FailedOrderID, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

func encodeFailedOrderPayload(req CreateOrderRequest) (string, error) {
	data, err := json.Marshal(failedOrderPayload{
		Version: failedOrderPayloadVersion,
		Request: req,
	})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), nil
}

func decodeFailedOrderPayload(raw string) (CreateOrderRequest, error) {
	var payload failedOrderPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return CreateOrderRequest{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Version != failedOrderPayloadVersion {
		return CreateOrderRequest{}, fmt.Errorf("unsupported payload version %d", payload.Version)
	}
	return payload.Request, nil
}

// EnqueueFailedOrder durably captures an order attempt that could not
// complete. It commits independently of the (already rolled back) order
// transaction.
func EnqueueFailedOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest, cause error) (*models.FailedOrder, error) {
	payload, err := encodeFailedOrderPayload(req)
	if err != nil {
		return nil, err
	}

	failed := &models.FailedOrder{
		UserID:         req.UserID,
		StoreID:        req.StoreID,
		Payload:        payload,
		ErrorMessage:   cause.Error(),
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.FailedOrderStatusFailed,
	}

	err = db.QueryRowContext(ctx,
		`INSERT INTO failed_orders (user_id, store_id, payload, error_message, idempotency_key, retry_count, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		failed.UserID, failed.StoreID, failed.Payload, failed.ErrorMessage,
		failed.IdempotencyKey, failed.Status,
	).Scan(&failed.ID, &failed.CreatedAt, &failed.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue failed order: %w", err)
	}

	return failed, nil
}

func GetFailedOrder(ctx context.Context, db *sql.DB, id int64) (*models.FailedOrder, error) {
	failed := &models.FailedOrder{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, store_id, payload, error_message, idempotency_key, retry_count, status, created_at, updated_at
		 FROM failed_orders
		 WHERE id = $1`,
		id,
	).Scan(
		&failed.ID,
		&failed.UserID,
		&failed.StoreID,
		&failed.Payload,
		&failed.ErrorMessage,
		&failed.IdempotencyKey,
		&failed.RetryCount,
		&failed.Status,
		&failed.CreatedAt,
		&failed.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrFailedOrderNotFound
		}
		return nil, fmt.Errorf("get failed order: %w", err)
	}

	return failed, nil
}

func ListFailedOrders(ctx context.Context, db *sql.DB, offset, limit int) ([]models.FailedOrder, int64, error) {
	var total int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_orders`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count failed orders: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, store_id, payload, error_message, idempotency_key, retry_count, status, created_at, updated_at
		 FROM failed_orders
		 ORDER BY id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list failed orders: %w", err)
	}
	defer rows.Close()

	var failed []models.FailedOrder
	for rows.Next() {
		var f models.FailedOrder
		err := rows.Scan(
			&f.ID,
			&f.UserID,
			&f.StoreID,
			&f.Payload,
			&f.ErrorMessage,
			&f.IdempotencyKey,
			&f.RetryCount,
			&f.Status,
			&f.CreatedAt,
			&f.UpdatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan failed order: %w", err)
		}
		failed = append(failed, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}

	return failed, total, nil
}

// ReplayFailedOrder re-runs a dead-lettered order request as a brand-new
// attempt. Success marks the entry resolved; failure overwrites the error
// message and leaves it available for further retries. Replaying an
// already-resolved entry is rejected so a resolved payload can never
// produce a second order. The entry itself is never deleted here;
// retention is PurgeFailedOrders' job.
func ReplayFailedOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	failed, err := GetFailedOrder(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if failed.Status == models.FailedOrderStatusResolved {
		return nil, ErrFailedOrderResolved
	}

	req, err := decodeFailedOrderPayload(failed.Payload)
	if err == nil {
		var order *models.Order
		order, err = CreateOrder(ctx, db, req)
		if err == nil {
			if markErr := markFailedOrderReplayed(ctx, db, id, models.FailedOrderStatusResolved, failed.ErrorMessage); markErr != nil {
				return nil, markErr
			}
			log.Info().
				Int64("failed_order_id", id).
				Int64("order_id", order.ID).
				Msg("failed_order_replayed")
			return order, nil
		}
	}

	replayErr := fmt.Errorf("retry failed: %w", err)
	if markErr := markFailedOrderReplayed(ctx, db, id, models.FailedOrderStatusFailed, replayErr.Error()); markErr != nil {
		return nil, markErr
	}

	return nil, &ReplayError{FailedOrderID: id, Err: err}
}

func markFailedOrderReplayed(ctx context.Context, db *sql.DB, id int64, status, errorMessage string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE failed_orders
		 SET retry_count = retry_count + 1, status = $1, error_message = $2, updated_at = NOW()
		 WHERE id = $3`,
		status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("update failed order: %w", err)
	}
	return nil
}

// PurgeFailedOrders deletes dead-letter entries older than the retention
// window. This is the only path that removes FailedOrder rows.
func PurgeFailedOrders(ctx context.Context, db *sql.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := db.ExecContext(ctx,
		`DELETE FROM failed_orders WHERE created_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge failed orders: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return purged, nil
}
