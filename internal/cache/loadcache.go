package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/davral/go-order-store/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const loadKeyPrefix = "store_load:"

// LoadCache is a short-TTL Redis cache for store-load metrics. The metric
// is a derived read, so a briefly stale value is acceptable; a cache error
// falls back to recomputing.
type LoadCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLoadCache(client *redis.Client, ttl time.Duration) *LoadCache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LoadCache{client: client, ttl: ttl}
}

// Fetch returns the cached load for storeID or computes and caches it. A
// nil receiver or nil client degrades to calling compute directly.
func (c *LoadCache) Fetch(ctx context.Context, storeID int64, compute func(context.Context) (*models.StoreLoad, error)) (*models.StoreLoad, error) {
	if c == nil || c.client == nil {
		return compute(ctx)
	}

	key := fmt.Sprintf("%s%d", loadKeyPrefix, storeID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var load models.StoreLoad
		if err := json.Unmarshal(data, &load); err == nil {
			return &load, nil
		}
	} else if err != redis.Nil {
		log.Warn().Err(err).Int64("store_id", storeID).Msg("load_cache_read_failed")
	}

	load, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(load); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Int64("store_id", storeID).Msg("load_cache_write_failed")
		}
	}

	return load, nil
}

// Invalidate drops the cached load for a store.
func (c *LoadCache) Invalidate(ctx context.Context, storeID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, fmt.Sprintf("%s%d", loadKeyPrefix, storeID)).Err()
}
