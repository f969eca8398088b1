package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Location  string   `json:"location,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	IsActive  bool     `json:"is_active"`
}

type Product struct {
	ID          int64           `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Inventory tracks stock per (product, store) pair. Rows are mutated only
// under a row-level exclusive lock; available quantity is derived and must
// never be negative at a commit point.
type Inventory struct {
	ID               int64      `json:"id"`
	ProductID        int64      `json:"product_id"`
	StoreID          int64      `json:"store_id"`
	Quantity         int        `json:"quantity"`
	ReservedQuantity int        `json:"reserved_quantity"`
	BatchID          string     `json:"batch_id,omitempty"`
	LocationID       string     `json:"location_id,omitempty"`
	LastSnapshotAt   *time.Time `json:"last_snapshot_at,omitempty"`
}

func (i *Inventory) AvailableQuantity() int {
	return i.Quantity - i.ReservedQuantity
}

// InventorySnapshot is an append-only audit record of an inventory row at a
// point in time. Non-critical snapshots are sampled; see store.SnapshotSampler.
type InventorySnapshot struct {
	ID               int64     `json:"id"`
	InventoryID      int64     `json:"inventory_id"`
	Quantity         int       `json:"quantity"`
	ReservedQuantity int       `json:"reserved_quantity"`
	TakenAt          time.Time `json:"taken_at"`
	Reason           string    `json:"reason"`
}

const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusPacking   = "packing"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCancelled = "cancelled"
)

const (
	ReservationActive   = "active"
	ReservationReleased = "released"
	ReservationConsumed = "consumed"
)

type Order struct {
	ID                int64              `json:"id"`
	UserID            int64              `json:"user_id"`
	StoreID           int64              `json:"store_id"`
	Status            string             `json:"status"`
	TotalAmount       decimal.Decimal    `json:"total_amount"`
	IdempotencyKey    string             `json:"idempotency_key"`
	CheckoutLatencyMS float64            `json:"checkout_latency_ms"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Items             []OrderItem        `json:"items,omitempty"`
	Timeline          []OrderStatusEvent `json:"timeline,omitempty"`
}

type OrderItem struct {
	ID                   int64           `json:"id"`
	OrderID              int64           `json:"order_id"`
	ProductID            int64           `json:"product_id"`
	Quantity             int             `json:"quantity"`
	PriceAtOrder         decimal.Decimal `json:"price_at_order"`
	ReservationStatus    string          `json:"reservation_status"`
	ReservationExpiresAt time.Time       `json:"reservation_expires_at"`
}

// OrderStatusEvent is one entry of an order's append-only timeline. Status
// advances by appending events, never by rewriting history.
type OrderStatusEvent struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	FailedOrderStatusFailed   = "failed"
	FailedOrderStatusRetried  = "retried"
	FailedOrderStatusResolved = "resolved"
)

// FailedOrder is a dead-letter record of an order attempt that could not
// complete. Payload holds the full original request in a versioned envelope
// so the attempt can be replayed later.
type FailedOrder struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	StoreID        int64     `json:"store_id"`
	Payload        string    `json:"payload"`
	ErrorMessage   string    `json:"error_message"`
	IdempotencyKey string    `json:"idempotency_key"`
	RetryCount     int       `json:"retry_count"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StoreLoad is a derived, read-only load metric over a store's orders.
type StoreLoad struct {
	StoreID              int64   `json:"store_id"`
	PendingCount         int64   `json:"pending_orders_count"`
	ActiveCount          int64   `json:"active_orders_count"`
	RecentVelocityPerMin float64 `json:"recent_velocity_per_min"`
	LoadScore            float64 `json:"total_load_score"`
}
