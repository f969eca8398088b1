package integration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davral/go-order-store/internal/cache"
	"github.com/davral/go-order-store/internal/models"
	"github.com/davral/go-order-store/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestGetStoreLoad(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	user, st := seedBase(t, db, "load@example.com")
	product := seedProduct(t, db, "LOAD-001", 100, st.ID, 100)

	newOrder := func() *models.Order {
		order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
			UserID:         user.ID,
			StoreID:        st.ID,
			IdempotencyKey: uuid.NewString(),
			Items:          []store.OrderItemRequest{{ProductID: product.ID, Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("Create order: %v", err)
		}
		return order
	}

	// Two pending, one confirmed, one packing, one delivered.
	newOrder()
	newOrder()
	confirmed := newOrder()
	packing := newOrder()
	delivered := newOrder()

	for id, status := range map[int64]string{
		confirmed.ID: models.OrderStatusConfirmed,
		packing.ID:   models.OrderStatusPacking,
		delivered.ID: models.OrderStatusDelivered,
	} {
		if _, err := db.ExecContext(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, status, id); err != nil {
			t.Fatalf("Set order status: %v", err)
		}
	}

	load, err := store.GetStoreLoad(ctx, db, st.ID)
	if err != nil {
		t.Fatalf("Get store load: %v", err)
	}

	if load.PendingCount != 2 {
		t.Errorf("Expected 2 pending, got %d", load.PendingCount)
	}
	if load.ActiveCount != 2 {
		t.Errorf("Expected 2 active (confirmed+packing), got %d", load.ActiveCount)
	}

	// All five orders landed inside the trailing window: 5/15 per minute.
	if load.RecentVelocityPerMin < 0.33 || load.RecentVelocityPerMin > 0.34 {
		t.Errorf("Expected velocity ~0.33, got %f", load.RecentVelocityPerMin)
	}

	// pending + 1.5*active + 5*(5/15)
	wantScore := 2 + 1.5*2 + 5*(5.0/15.0)
	if diff := load.LoadScore - wantScore; diff > 0.01 || diff < -0.01 {
		t.Errorf("Expected score ~%f, got %f", wantScore, load.LoadScore)
	}
}

func TestGetStoreLoadEmptyStore(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, st := seedBase(t, db, "quiet@example.com")

	load, err := store.GetStoreLoad(context.Background(), db, st.ID)
	if err != nil {
		t.Fatalf("Get store load: %v", err)
	}
	if load.PendingCount != 0 || load.ActiveCount != 0 || load.LoadScore != 0 {
		t.Errorf("Expected zero load for an empty store, got %+v", load)
	}
}

func TestLoadCacheFetch(t *testing.T) {
	addr, cleanup := setupTestRedis(t)
	defer cleanup()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	lc := cache.NewLoadCache(client, 5*time.Second)

	var calls int32
	compute := func(ctx context.Context) (*models.StoreLoad, error) {
		atomic.AddInt32(&calls, 1)
		return &models.StoreLoad{StoreID: 7, PendingCount: 3, LoadScore: 4.5}, nil
	}

	ctx := context.Background()
	first, err := lc.Fetch(ctx, 7, compute)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	second, err := lc.Fetch(ctx, 7, compute)
	if err != nil {
		t.Fatalf("Fetch cached: %v", err)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected compute to run once, ran %d times", calls)
	}
	if first.LoadScore != second.LoadScore || second.PendingCount != 3 {
		t.Errorf("Cached value mismatch: first %+v second %+v", first, second)
	}

	// Different store key misses and recomputes.
	if _, err := lc.Fetch(ctx, 8, compute); err != nil {
		t.Fatalf("Fetch other store: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("Expected a second compute for a different store, got %d", calls)
	}

	// Invalidation forces a recompute.
	if err := lc.Invalidate(ctx, 7); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := lc.Fetch(ctx, 7, compute); err != nil {
		t.Fatalf("Fetch after invalidate: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected recompute after invalidation, got %d", calls)
	}
}

func TestLoadCacheNilClientDegrades(t *testing.T) {
	lc := cache.NewLoadCache(nil, time.Second)

	var calls int
	compute := func(ctx context.Context) (*models.StoreLoad, error) {
		calls++
		return &models.StoreLoad{StoreID: 1}, nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := lc.Fetch(ctx, 1, compute); err != nil {
			t.Fatalf("Fetch without redis: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("Expected compute on every call without redis, got %d", calls)
	}

	computeErr := errors.New("db down")
	_, err := lc.Fetch(ctx, 1, func(ctx context.Context) (*models.StoreLoad, error) {
		return nil, computeErr
	})
	if !errors.Is(err, computeErr) {
		t.Errorf("Expected compute error to propagate, got %v", err)
	}
}
