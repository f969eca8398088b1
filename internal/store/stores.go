package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
)

func CreateStore(ctx context.Context, db *sql.DB, name, location string) (*models.Store, error) {
	st := &models.Store{}

	query := `
		INSERT INTO stores (name, location, is_active)
		VALUES ($1, $2, TRUE)
		RETURNING id, name, COALESCE(location, ''), latitude, longitude, is_active`

	err := db.QueryRowContext(ctx, query, name, location).Scan(
		&st.ID,
		&st.Name,
		&st.Location,
		&st.Latitude,
		&st.Longitude,
		&st.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	return st, nil
}

func GetStore(ctx context.Context, db *sql.DB, id int64) (*models.Store, error) {
	st := &models.Store{}

	query := `
		SELECT id, name, COALESCE(location, ''), latitude, longitude, is_active
		FROM stores
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&st.ID,
		&st.Name,
		&st.Location,
		&st.Latitude,
		&st.Longitude,
		&st.IsActive,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrStoreNotFound
		}
		return nil, fmt.Errorf("get store: %w", err)
	}

	return st, nil
}
