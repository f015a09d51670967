package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jcmexdev/iap-proxy/internal/pkg/cache"
	"github.com/jcmexdev/iap-proxy/internal/storekit"
)

// Cache holds products already resolved by the product information service.
// Entries never expire; Evict drops products the service no longer knows.
type Cache interface {
	Get(ctx context.Context, id string) (storekit.Product, bool)
	Put(ctx context.Context, products ...storekit.Product)
	Evict(ctx context.Context, ids ...string)
}

// MemoryCache is the default process-local product cache.
type MemoryCache struct {
	mu       sync.RWMutex
	products map[string]storekit.Product
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{products: make(map[string]storekit.Product)}
}

func (c *MemoryCache) Get(_ context.Context, id string) (storekit.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	return p, ok
}

func (c *MemoryCache) Put(_ context.Context, products ...storekit.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range products {
		c.products[p.ID] = p
	}
}

func (c *MemoryCache) Evict(_ context.Context, ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.products, id)
	}
}

// RedisCache shares resolved products between gateway replicas. Redis
// failures degrade to cache misses.
type RedisCache struct {
	store  cache.Cache
	logger *slog.Logger
}

func NewRedisCache(store cache.Cache, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{store: store, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, id string) (storekit.Product, bool) {
	raw, err := c.store.Get(ctx, c.store.GenerateKey("product", id))
	if err != nil {
		c.logger.WarnContext(ctx, "product cache read failed", "product_id", id, "error", err)
		return storekit.Product{}, false
	}
	if raw == "" {
		return storekit.Product{}, false
	}

	var p storekit.Product
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		c.logger.WarnContext(ctx, "product cache entry corrupt", "product_id", id, "error", err)
		return storekit.Product{}, false
	}
	return p, true
}

func (c *RedisCache) Put(ctx context.Context, products ...storekit.Product) {
	for _, p := range products {
		b, err := json.Marshal(p)
		if err != nil {
			continue
		}
		if err := c.store.Set(ctx, c.store.GenerateKey("product", p.ID), b, 0); err != nil {
			c.logger.WarnContext(ctx, "product cache write failed", "product_id", p.ID, "error", err)
		}
	}
}

func (c *RedisCache) Evict(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if err := c.store.Del(ctx, c.store.GenerateKey("product", id)); err != nil {
			c.logger.WarnContext(ctx, "product cache evict failed", "product_id", id, "error", err)
		}
	}
}
