package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
	"github.com/shopspring/decimal"
)

func CreateProduct(ctx context.Context, db *sql.DB, sku, name, description string, price decimal.Decimal) (*models.Product, error) {
	product := &models.Product{}

	query := `
		INSERT INTO products (sku, name, description, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, sku, name, description, price, created_at, updated_at`

	err := db.QueryRowContext(ctx, query, sku, name, description, price).Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

func GetProduct(ctx context.Context, db *sql.DB, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, sku, name, description, price, created_at, updated_at
		FROM products
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	return product, nil
}

// getProductPrice reads the current price inside the caller's transaction.
// The order orchestrator uses it so priced items and reservations observe
// the same snapshot.
func getProductPrice(ctx context.Context, tx *sql.Tx, id int64) (decimal.Decimal, error) {
	var price decimal.Decimal

	err := tx.QueryRowContext(ctx, `SELECT price FROM products WHERE id = $1`, id).Scan(&price)
	if err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, database.ErrProductNotFound
		}
		return decimal.Zero, fmt.Errorf("get product price: %w", err)
	}

	return price, nil
}
