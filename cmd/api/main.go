package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/davral/go-order-store/internal/cache"
	"github.com/davral/go-order-store/internal/config"
	"github.com/davral/go-order-store/internal/database"
	"github.com/davral/go-order-store/internal/models"
	"github.com/davral/go-order-store/internal/store"
	"github.com/davral/go-order-store/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	log.Info().Msg("connected to database")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	var loadCache *cache.LoadCache
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, load metrics will not be cached")
	} else {
		loadCache = cache.NewLoadCache(rdb, cfg.Redis.LoadCacheTTL)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sampler := store.NewSnapshotSampler(cfg.Inventory.SnapshotSampleRate)

	reclaimer := worker.NewReclaimer(db, cfg.Reclaimer.Interval, cfg.Reclaimer.Backoff, sampler)
	go reclaimer.Run(ctx)

	retention := worker.NewDLQRetention(db, cfg.DLQ.Retention, cfg.DLQ.PurgeInterval)
	go retention.Run(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /users", handleCreateUser(db))
	mux.HandleFunc("GET /users/{id}", handleGetUser(db))
	mux.HandleFunc("POST /stores", handleCreateStore(db))
	mux.HandleFunc("GET /stores/{id}", handleGetStore(db))
	mux.HandleFunc("POST /products", handleCreateProduct(db))
	mux.HandleFunc("GET /products/{id}", handleGetProduct(db))
	mux.HandleFunc("POST /inventory", handleCreateInventory(db))
	mux.HandleFunc("GET /inventory", handleGetInventory(db))
	mux.HandleFunc("GET /inventory/low-stock", handleLowStock(db))
	mux.HandleFunc("POST /inventory/adjust", handleAdjustStock(db, sampler))
	mux.HandleFunc("GET /inventory/{id}/snapshots", handleListSnapshots(db))
	mux.HandleFunc("POST /orders", handleCreateOrder(db, cfg.Orders.ReservationTTL, sampler))
	mux.HandleFunc("GET /orders", handleListOrders(db))
	mux.HandleFunc("GET /orders/{id}", handleGetOrder(db))
	mux.HandleFunc("GET /stores/{id}/load", handleStoreLoad(db, loadCache))
	mux.HandleFunc("GET /dlq", handleListFailedOrders(db))
	mux.HandleFunc("POST /dlq/{id}/replay", handleReplayFailedOrder(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func handleCreateUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		user, err := store.CreateUser(r.Context(), db, req.Email, req.Name)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, user)
	}
}

func handleGetUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid user ID")
			return
		}

		user, err := store.GetUser(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, user)
	}
}

func handleCreateStore(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name     string `json:"name"`
			Location string `json:"location"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		st, err := store.CreateStore(r.Context(), db, req.Name, req.Location)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, st)
	}
}

func handleGetStore(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid store ID")
			return
		}

		st, err := store.GetStore(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, st)
	}
}

func handleCreateProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SKU         string  `json:"sku"`
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Price       float64 `json:"price"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		product, err := store.CreateProduct(r.Context(), db, req.SKU, req.Name, req.Description, decimal.NewFromFloat(req.Price))
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, product)
	}
}

func handleGetProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid product ID")
			return
		}

		product, err := store.GetProduct(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, product)
	}
}

func handleCreateInventory(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProductID  int64  `json:"product_id"`
			StoreID    int64  `json:"store_id"`
			Quantity   int    `json:"quantity"`
			BatchID    string `json:"batch_id"`
			LocationID string `json:"location_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		inv, err := store.CreateInventory(r.Context(), db, req.ProductID, req.StoreID, req.Quantity, req.BatchID, req.LocationID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, inv)
	}
}

func handleGetInventory(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeID, _ := strconv.ParseInt(r.URL.Query().Get("store_id"), 10, 64)
		if storeID == 0 {
			respondError(w, http.StatusBadRequest, "store_id is required")
			return
		}

		page, pageSize := pageParams(r)
		result, err := store.ListStoreInventory(r.Context(), db, storeID, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleLowStock(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold, _ := strconv.Atoi(r.URL.Query().Get("threshold"))
		if threshold <= 0 {
			threshold = 10
		}
		storeID, _ := strconv.ParseInt(r.URL.Query().Get("store_id"), 10, 64)

		items, err := store.ListLowStock(r.Context(), db, threshold, storeID)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, items)
	}
}

func handleAdjustStock(db *sql.DB, sampler store.SnapshotSampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ProductID int64 `json:"product_id"`
			StoreID   int64 `json:"store_id"`
			Quantity  int   `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		inv, err := store.AdjustStock(r.Context(), db, req.ProductID, req.StoreID, req.Quantity, sampler)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, inv)
	}
}

func handleListSnapshots(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid inventory ID")
			return
		}

		page, pageSize := pageParams(r)
		result, err := store.ListSnapshots(r.Context(), db, id, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleCreateOrder(db *sql.DB, reservationTTL time.Duration, sampler store.SnapshotSampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req store.CreateOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		req.ReservationTTL = reservationTTL
		req.Sampler = sampler

		order, err := store.CreateOrder(r.Context(), db, req)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, order)
	}
}

func handleListOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := store.OrderFilters{Status: q.Get("status")}
		filters.UserID, _ = strconv.ParseInt(q.Get("user_id"), 10, 64)
		filters.StoreID, _ = strconv.ParseInt(q.Get("store_id"), 10, 64)

		page, pageSize := pageParams(r)
		result, err := store.ListOrders(r.Context(), db, filters, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		order, err := store.GetOrder(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, order)
	}
}

func handleStoreLoad(db *sql.DB, loadCache *cache.LoadCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid store ID")
			return
		}

		load, err := loadCache.Fetch(r.Context(), id, func(ctx context.Context) (*models.StoreLoad, error) {
			return store.GetStoreLoad(ctx, db, id)
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, load)
	}
}

func handleListFailedOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		failed, total, err := store.ListFailedOrders(r.Context(), db, offset, limit)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"items": failed,
			"total": total,
		})
	}
}

func handleReplayFailedOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid failed order ID")
			return
		}

		order, err := store.ReplayFailedOrder(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, order)
	}
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondStoreError(w http.ResponseWriter, err error) {
	var orderFailed *store.OrderFailedError
	var replayFailed *store.ReplayError

	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrStoreNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrInventoryNotFound),
		errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrFailedOrderNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrAdjustBelowReserved):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrMissingIdempotencyKey),
		errors.Is(err, store.ErrEmptyOrder),
		errors.Is(err, store.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrFailedOrderResolved):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &orderFailed), errors.As(err, &replayFailed):
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
