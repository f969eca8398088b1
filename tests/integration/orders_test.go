package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
	"github.com/davral/go-order-store/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestCreateOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "orders@example.com")
	product1 := seedProduct(t, db, "ORD-001", 100, st.ID, 50)
	product2 := seedProduct(t, db, "ORD-002", 200, st.ID, 30)

	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:         user.ID,
		StoreID:        st.ID,
		IdempotencyKey: uuid.NewString(),
		Items: []store.OrderItemRequest{
			{ProductID: product2.ID, Quantity: 3},
			{ProductID: product1.ID, Quantity: 5},
		},
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	if order.ID == 0 {
		t.Error("Order ID should not be 0")
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected status pending, got %s", order.Status)
	}
	if order.CheckoutLatencyMS <= 0 {
		t.Errorf("Expected positive checkout latency, got %f", order.CheckoutLatencyMS)
	}

	expectedTotal := decimal.NewFromInt(100).Mul(decimal.NewFromInt(5)).
		Add(decimal.NewFromInt(200).Mul(decimal.NewFromInt(3)))
	if !order.TotalAmount.Equal(expectedTotal) {
		t.Errorf("Expected total %s, got %s", expectedTotal, order.TotalAmount)
	}

	if len(order.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(order.Items))
	}
	for _, item := range order.Items {
		if item.ReservationStatus != models.ReservationActive {
			t.Errorf("Item %d: expected active reservation, got %s", item.ID, item.ReservationStatus)
		}
		if item.ReservationExpiresAt.IsZero() {
			t.Errorf("Item %d: reservation expiry not set", item.ID)
		}
	}

	if len(order.Timeline) != 1 || order.Timeline[0].Status != models.OrderStatusPending {
		t.Errorf("Expected one pending timeline entry, got %+v", order.Timeline)
	}

	// Reservations hold stock without consuming it.
	inv1, err := store.GetInventoryItem(ctx, db, product1.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv1.Quantity != 50 || inv1.ReservedQuantity != 5 {
		t.Errorf("Product 1 inventory: got quantity=%d reserved=%d, want 50/5", inv1.Quantity, inv1.ReservedQuantity)
	}

	inv2, err := store.GetInventoryItem(ctx, db, product2.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv2.ReservedQuantity != 3 {
		t.Errorf("Product 2 reserved: got %d, want 3", inv2.ReservedQuantity)
	}
}

func TestCreateOrderInsufficientStockGoesToDLQ(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "dlq@example.com")
	product := seedProduct(t, db, "ORD-003", 100, st.ID, 5)

	_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:         user.ID,
		StoreID:        st.ID,
		IdempotencyKey: uuid.NewString(),
		Items:          []store.OrderItemRequest{{ProductID: product.ID, Quantity: 10}},
	})

	var failedErr *store.OrderFailedError
	if !errors.As(err, &failedErr) {
		t.Fatalf("Expected OrderFailedError, got %v", err)
	}
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Errorf("Expected wrapped insufficient stock error, got %v", err)
	}

	failed, err := store.GetFailedOrder(ctx, db, failedErr.FailedOrderID)
	if err != nil {
		t.Fatalf("Get failed order: %v", err)
	}
	if failed.Status != models.FailedOrderStatusFailed {
		t.Errorf("Expected status failed, got %s", failed.Status)
	}
	if failed.RetryCount != 0 {
		t.Errorf("Expected retry count 0, got %d", failed.RetryCount)
	}

	// The rolled-back attempt must leave no reservation behind.
	inv, err := store.GetInventoryItem(ctx, db, product.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv.ReservedQuantity != 0 {
		t.Errorf("Expected no reservation after rollback, got %d", inv.ReservedQuantity)
	}
}

func TestCreateOrderMissingProductGoesToDLQ(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "missing@example.com")
	product := seedProduct(t, db, "ORD-004", 100, st.ID, 10)

	_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:         user.ID,
		StoreID:        st.ID,
		IdempotencyKey: uuid.NewString(),
		Items: []store.OrderItemRequest{
			{ProductID: product.ID, Quantity: 1},
			{ProductID: 999999, Quantity: 1},
		},
	})

	var failedErr *store.OrderFailedError
	if !errors.As(err, &failedErr) {
		t.Fatalf("Expected OrderFailedError, got %v", err)
	}
	if !errors.Is(err, database.ErrProductNotFound) {
		t.Errorf("Expected wrapped product-not-found error, got %v", err)
	}

	// Even the valid item's reservation must have rolled back.
	inv, err := store.GetInventoryItem(ctx, db, product.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv.ReservedQuantity != 0 {
		t.Errorf("Expected no reservation after rollback, got %d", inv.ReservedQuantity)
	}
}

func TestCreateOrderIdempotencyHit(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "idem@example.com")
	product := seedProduct(t, db, "ORD-005", 100, st.ID, 50)

	req := store.CreateOrderRequest{
		UserID:         user.ID,
		StoreID:        st.ID,
		IdempotencyKey: uuid.NewString(),
		Items:          []store.OrderItemRequest{{ProductID: product.ID, Quantity: 5}},
	}

	first, err := store.CreateOrder(ctx, db, req)
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	second, err := store.CreateOrder(ctx, db, req)
	if err != nil {
		t.Fatalf("Replayed create order: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same order %d, got %d", first.ID, second.ID)
	}

	// Only one reservation's worth of stock is held.
	inv, err := store.GetInventoryItem(ctx, db, product.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv.ReservedQuantity != 5 {
		t.Errorf("Expected reserved 5, got %d", inv.ReservedQuantity)
	}
}

func TestConcurrentSameIdempotencyKey(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "race@example.com")
	product := seedProduct(t, db, "ORD-006", 100, st.ID, 100)

	key := uuid.NewString()
	concurrency := 10

	var wg sync.WaitGroup
	orderIDs := make(chan int64, concurrency)
	failures := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
				UserID:         user.ID,
				StoreID:        st.ID,
				IdempotencyKey: key,
				Items:          []store.OrderItemRequest{{ProductID: product.ID, Quantity: 4}},
			})
			if err != nil {
				failures <- err
				return
			}
			orderIDs <- order.ID
		}()
	}
	wg.Wait()
	close(orderIDs)
	close(failures)

	for err := range failures {
		t.Errorf("Concurrent create with same key should not error: %v", err)
	}

	var firstID int64
	for id := range orderIDs {
		if firstID == 0 {
			firstID = id
		} else if id != firstID {
			t.Errorf("Got two distinct orders %d and %d for one key", firstID, id)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 persisted order, got %d", count)
	}

	inv, err := store.GetInventoryItem(ctx, db, product.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv.ReservedQuantity != 4 {
		t.Errorf("Expected exactly one reservation (4 units), got %d", inv.ReservedQuantity)
	}
}

func TestConcurrentOrdersCannotOversell(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "oversell@example.com")
	product := seedProduct(t, db, "ORD-007", 100, st.ID, 20)

	concurrency := 10
	perOrder := 3 // at most 6 of 10 orders can fit in 20 units

	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
				UserID:         user.ID,
				StoreID:        st.ID,
				IdempotencyKey: uuid.NewString(),
				Items:          []store.OrderItemRequest{{ProductID: product.ID, Quantity: perOrder}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, rejections := 0, 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		if errors.Is(err, database.ErrInsufficientStock) {
			rejections++
			continue
		}
		t.Errorf("Unexpected error: %v", err)
	}

	maxOrders := 20 / perOrder
	if successes > maxOrders {
		t.Errorf("Oversold: %d orders succeeded, max is %d", successes, maxOrders)
	}
	if successes+rejections != concurrency {
		t.Errorf("Lost results: %d successes + %d rejections != %d", successes, rejections, concurrency)
	}

	inv, err := store.GetInventoryItem(ctx, db, product.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if inv.ReservedQuantity != successes*perOrder {
		t.Errorf("Reserved %d, want %d", inv.ReservedQuantity, successes*perOrder)
	}
	if inv.AvailableQuantity() < 0 {
		t.Errorf("Available quantity went negative: %d", inv.AvailableQuantity())
	}

	// Every rejected attempt left exactly one DLQ entry.
	_, total, err := store.ListFailedOrders(ctx, db, 0, 100)
	if err != nil {
		t.Fatalf("List failed orders: %v", err)
	}
	if total != int64(rejections) {
		t.Errorf("Expected %d DLQ entries, got %d", rejections, total)
	}
}

func TestConcurrentMultiItemOrdersOppositeOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "deadlock@example.com")
	productA := seedProduct(t, db, "ORD-008", 100, st.ID, 100)
	productB := seedProduct(t, db, "ORD-009", 100, st.ID, 100)

	// Items arrive in opposite order in the two requests; canonical lock
	// ordering must keep the pair deadlock-free.
	concurrency := 20
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		forward := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			items := []store.OrderItemRequest{
				{ProductID: productA.ID, Quantity: 1},
				{ProductID: productB.ID, Quantity: 1},
			}
			if !forward {
				items[0], items[1] = items[1], items[0]
			}
			_, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
				UserID:         user.ID,
				StoreID:        st.ID,
				IdempotencyKey: uuid.NewString(),
				Items:          items,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("Multi-item order failed: %v", err)
		}
	}

	invA, err := store.GetInventoryItem(ctx, db, productA.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	invB, err := store.GetInventoryItem(ctx, db, productB.ID, st.ID)
	if err != nil {
		t.Fatalf("Get inventory: %v", err)
	}
	if invA.ReservedQuantity != concurrency || invB.ReservedQuantity != concurrency {
		t.Errorf("Reserved %d/%d, want %d each", invA.ReservedQuantity, invB.ReservedQuantity, concurrency)
	}
}

func TestMarkReservationConsumedIsTerminal(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "consume@example.com")
	product := seedProduct(t, db, "ORD-010", 100, st.ID, 10)

	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:         user.ID,
		StoreID:        st.ID,
		IdempotencyKey: uuid.NewString(),
		Items:          []store.OrderItemRequest{{ProductID: product.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}

	itemID := order.Items[0].ID
	if err := store.MarkReservationConsumed(ctx, db, itemID); err != nil {
		t.Fatalf("Consume reservation: %v", err)
	}

	// A terminal item never transitions again.
	if err := store.MarkReservationConsumed(ctx, db, itemID); err == nil {
		t.Error("Expected error consuming an already-consumed reservation")
	}
}
