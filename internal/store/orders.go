package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const DefaultReservationTTL = 15 * time.Minute

type OrderItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderRequest struct {
	UserID         int64              `json:"user_id"`
	StoreID        int64              `json:"store_id"`
	IdempotencyKey string             `json:"idempotency_key"`
	Items          []OrderItemRequest `json:"items"`

	// ReservationTTL bounds how long item reservations stay active before
	// the reclaimer may return the stock. Zero means DefaultReservationTTL.
	ReservationTTL time.Duration `json:"-"`

	// Sampler overrides the snapshot sampling policy for this request's
	// ledger writes. Nil means the default policy.
	Sampler SnapshotSampler `json:"-"`
}

var (
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrEmptyOrder            = errors.New("order must contain at least one item")
	ErrInvalidQuantity       = errors.New("item quantity must be positive")
)

// OrderFailedError reports an order attempt that was rolled back and
// captured in the dead letter queue.
type OrderFailedError struct {
	FailedOrderID int64
	Err           error
}

func (e *OrderFailedError) Error() string {
	return fmt.Sprintf("order creation failed, recorded in DLQ (failed order %d): %v", e.FailedOrderID, e.Err)
}

func (e *OrderFailedError) Unwrap() error { return e.Err }

// CreateOrder places an order atomically: every line item's stock is
// reserved under its row lock, or nothing is committed and the attempt is
// captured as a FailedOrder. A request carrying an idempotency key already
// bound to a committed order gets that order back without side effects.
func CreateOrder(ctx context.Context, db *sql.DB, req CreateOrderRequest) (*models.Order, error) {
	start := time.Now()

	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	existing, err := GetOrderByIdempotencyKey(ctx, db, req.IdempotencyKey)
	if err == nil {
		log.Info().
			Str("idempotency_key", req.IdempotencyKey).
			Int64("order_id", existing.ID).
			Msg("idempotency_hit")
		return existing, nil
	}
	if !errors.Is(err, database.ErrOrderNotFound) {
		return nil, err
	}

	order, err := createOrderTx(ctx, db, req, start)
	if err != nil {
		// Two requests racing on a fresh key both pass the guard above;
		// the unique constraint on idempotency_key picks the winner at
		// commit. The loser's reservations rolled back with its
		// transaction, so return the winning order instead of an error.
		if database.IsUniqueViolation(err) {
			log.Info().
				Str("idempotency_key", req.IdempotencyKey).
				Msg("idempotency_race_lost")
			return GetOrderByIdempotencyKey(ctx, db, req.IdempotencyKey)
		}

		failed, dlqErr := EnqueueFailedOrder(ctx, db, req, err)
		if dlqErr != nil {
			return nil, fmt.Errorf("order failed (%v) and DLQ write failed: %w", err, dlqErr)
		}

		log.Error().
			Err(err).
			Str("idempotency_key", req.IdempotencyKey).
			Int64("user_id", req.UserID).
			Int64("failed_order_id", failed.ID).
			Msg("order_failed_pushed_to_dlq")

		return nil, &OrderFailedError{FailedOrderID: failed.ID, Err: err}
	}

	return order, nil
}

func validateOrderRequest(req CreateOrderRequest) error {
	if req.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if len(req.Items) == 0 {
		return ErrEmptyOrder
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
	}
	return nil
}

// sortedItems returns the line items in ascending product order. All
// concurrent multi-item orders acquire inventory row locks in this one
// canonical order, so two orders over overlapping product sets cannot
// deadlock each other.
func sortedItems(items []OrderItemRequest) []OrderItemRequest {
	sorted := make([]OrderItemRequest, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ProductID < sorted[j].ProductID
	})
	return sorted
}

func createOrderTx(ctx context.Context, db *sql.DB, req CreateOrderRequest, start time.Time) (*models.Order, error) {
	ttl := req.ReservationTTL
	if ttl == 0 {
		ttl = DefaultReservationTTL
	}

	var order *models.Order

	// Retried on deadlock or serialization aborts; every attempt's
	// reservations roll back with its transaction, so re-running the
	// closure is safe. Unique violations are permanent and surface
	// immediately for the idempotency-race check in CreateOrder.
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		expiresAt := time.Now().UTC().Add(ttl)
		totalAmount := decimal.Zero
		items := make([]models.OrderItem, 0, len(req.Items))

		for _, item := range sortedItems(req.Items) {
			price, err := getProductPrice(ctx, tx, item.ProductID)
			if err != nil {
				return err
			}

			if _, err := ReserveStock(ctx, tx, item.ProductID, req.StoreID, item.Quantity, req.Sampler); err != nil {
				return fmt.Errorf("reserve product %d: %w", item.ProductID, err)
			}

			items = append(items, models.OrderItem{
				ProductID:            item.ProductID,
				Quantity:             item.Quantity,
				PriceAtOrder:         price,
				ReservationStatus:    models.ReservationActive,
				ReservationExpiresAt: expiresAt,
			})
			totalAmount = totalAmount.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0

		created := &models.Order{
			UserID:            req.UserID,
			StoreID:           req.StoreID,
			Status:            models.OrderStatusPending,
			TotalAmount:       totalAmount,
			IdempotencyKey:    req.IdempotencyKey,
			CheckoutLatencyMS: latencyMS,
		}

		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, store_id, status, total_amount, idempotency_key, checkout_latency_ms, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			 RETURNING id, created_at, updated_at`,
			created.UserID, created.StoreID, created.Status, created.TotalAmount,
			created.IdempotencyKey, created.CheckoutLatencyMS,
		).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for i := range items {
			items[i].OrderID = created.ID
			err := tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, product_id, quantity, price_at_order, reservation_status, reservation_expires_at)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 RETURNING id`,
				items[i].OrderID, items[i].ProductID, items[i].Quantity,
				items[i].PriceAtOrder, items[i].ReservationStatus, items[i].ReservationExpiresAt,
			).Scan(&items[i].ID)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		event := models.OrderStatusEvent{
			OrderID: created.ID,
			Status:  models.OrderStatusPending,
			Notes:   "Order created",
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO order_status_history (order_id, status, notes, created_at)
			 VALUES ($1, $2, $3, NOW())
			 RETURNING id, created_at`,
			event.OrderID, event.Status, event.Notes,
		).Scan(&event.ID, &event.CreatedAt)
		if err != nil {
			return fmt.Errorf("create status history: %w", err)
		}

		created.Items = items
		created.Timeline = []models.OrderStatusEvent{event}
		order = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

func GetOrderByIdempotencyKey(ctx context.Context, db *sql.DB, key string) (*models.Order, error) {
	order := &models.Order{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, store_id, status, total_amount, idempotency_key,
		        COALESCE(checkout_latency_ms, 0), created_at, updated_at
		 FROM orders
		 WHERE idempotency_key = $1`,
		key,
	).Scan(
		&order.ID,
		&order.UserID,
		&order.StoreID,
		&order.Status,
		&order.TotalAmount,
		&order.IdempotencyKey,
		&order.CheckoutLatencyMS,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}

	if err := attachOrderDetails(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}

func GetOrder(ctx context.Context, db *sql.DB, id int64) (*models.Order, error) {
	order := &models.Order{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, store_id, status, total_amount, idempotency_key,
		        COALESCE(checkout_latency_ms, 0), created_at, updated_at
		 FROM orders
		 WHERE id = $1`,
		id,
	).Scan(
		&order.ID,
		&order.UserID,
		&order.StoreID,
		&order.Status,
		&order.TotalAmount,
		&order.IdempotencyKey,
		&order.CheckoutLatencyMS,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := attachOrderDetails(ctx, db, order); err != nil {
		return nil, err
	}
	return order, nil
}

func attachOrderDetails(ctx context.Context, db *sql.DB, order *models.Order) error {
	rows, err := db.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, price_at_order, reservation_status, reservation_expires_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY product_id`,
		order.ID)
	if err != nil {
		return fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.Quantity,
			&item.PriceAtOrder,
			&item.ReservationStatus,
			&item.ReservationExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	order.Items = items

	events, err := db.QueryContext(ctx,
		`SELECT id, order_id, status, COALESCE(notes, ''), created_at
		 FROM order_status_history
		 WHERE order_id = $1
		 ORDER BY created_at, id`,
		order.ID)
	if err != nil {
		return fmt.Errorf("get order timeline: %w", err)
	}
	defer events.Close()

	var timeline []models.OrderStatusEvent
	for events.Next() {
		var e models.OrderStatusEvent
		if err := events.Scan(&e.ID, &e.OrderID, &e.Status, &e.Notes, &e.CreatedAt); err != nil {
			return fmt.Errorf("scan timeline event: %w", err)
		}
		timeline = append(timeline, e)
	}
	if err := events.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	order.Timeline = timeline

	return nil
}

type OrderFilters struct {
	UserID  int64
	StoreID int64
	Status  string
}

func ListOrders(ctx context.Context, db *sql.DB, filters OrderFilters, page, pageSize int) (*OffsetPage, error) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if filters.UserID > 0 {
		args = append(args, filters.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filters.StoreID > 0 {
		args = append(args, filters.StoreID)
		where += fmt.Sprintf(" AND store_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(
		`SELECT id, user_id, store_id, status, total_amount, idempotency_key,
		        COALESCE(checkout_latency_ms, 0), created_at, updated_at
		 FROM orders%s
		 ORDER BY id DESC
		 LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		err := rows.Scan(
			&o.ID,
			&o.UserID,
			&o.StoreID,
			&o.Status,
			&o.TotalAmount,
			&o.IdempotencyKey,
			&o.CheckoutLatencyMS,
			&o.CreatedAt,
			&o.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(orders, total, page, pageSize), nil
}

// MarkReservationConsumed finalizes an active reservation during
// fulfillment. Terminal items (released or consumed) never transition
// again.
func MarkReservationConsumed(ctx context.Context, db *sql.DB, orderItemID int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE order_items
		 SET reservation_status = $1
		 WHERE id = $2 AND reservation_status = $3`,
		models.ReservationConsumed, orderItemID, models.ReservationActive)
	if err != nil {
		return fmt.Errorf("consume reservation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order item %d has no active reservation", orderItemID)
	}

	return nil
}
