// Seeds a development database with a handful of stores, products,
// inventory rows and one demo order.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/davral/go-order-store/internal/config"
	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	user, err := store.CreateUser(ctx, db, "demo@example.com", "Demo User")
	if err != nil {
		log.Fatalf("Create user: %v", err)
	}

	st, err := store.CreateStore(ctx, db, "Downtown", "12 Main St")
	if err != nil {
		log.Fatalf("Create store: %v", err)
	}

	prices := []float64{4.50, 12.00, 27.99, 3.25}
	var productIDs []int64
	for i, price := range prices {
		product, err := store.CreateProduct(ctx, db,
			fmt.Sprintf("SKU-%03d", i+1),
			fmt.Sprintf("Demo Product %d", i+1),
			"Seeded product",
			decimal.NewFromFloat(price))
		if err != nil {
			log.Fatalf("Create product: %v", err)
		}
		productIDs = append(productIDs, product.ID)

		if _, err := store.CreateInventory(ctx, db, product.ID, st.ID, 500, "", ""); err != nil {
			log.Fatalf("Create inventory: %v", err)
		}
	}

	order, err := store.CreateOrder(ctx, db, store.CreateOrderRequest{
		UserID:         user.ID,
		StoreID:        st.ID,
		IdempotencyKey: uuid.NewString(),
		Items: []store.OrderItemRequest{
			{ProductID: productIDs[0], Quantity: 2},
			{ProductID: productIDs[1], Quantity: 1},
		},
	})
	if err != nil {
		log.Fatalf("Create order: %v", err)
	}

	log.Printf("Seeded store %d with %d products; demo order %d total %s",
		st.ID, len(productIDs), order.ID, order.TotalAmount)
}
