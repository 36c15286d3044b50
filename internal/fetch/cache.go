package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores rendered page HTML so a browser fetch is never repeated for
// the same URL within a run (or, with Redis, across runs).
type Cache interface {
	Get(ctx context.Context, url string) (string, bool)
	Set(ctx context.Context, url, html string)
}

func cacheKey(url string) string {
	sum := sha1.Sum([]byte(url))
	return "fetch:render:" + hex.EncodeToString(sum[:])
}

// MemoryCache is a per-process render cache.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryCache() *MemoryCache { return &MemoryCache{m: map[string]string{}} }

func (c *MemoryCache) Get(_ context.Context, url string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[cacheKey(url)]
	return v, ok
}

func (c *MemoryCache) Set(_ context.Context, url, html string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[cacheKey(url)] = html
}

// RedisCache persists rendered pages with a TTL so separate runs against
// the same sources skip the browser entirely.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, url string) (string, bool) {
	v, err := c.client.Get(ctx, cacheKey(url)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, url, html string) {
	_ = c.client.Set(ctx, cacheKey(url), html, c.ttl).Err()
}

// Layered tries caches in order on Get and writes through all on Set.
type Layered []Cache

func (l Layered) Get(ctx context.Context, url string) (string, bool) {
	for _, c := range l {
		if v, ok := c.Get(ctx, url); ok {
			return v, true
		}
	}
	return "", false
}

func (l Layered) Set(ctx context.Context, url, html string) {
	for _, c := range l {
		c.Set(ctx, url, html)
	}
}
