package markets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores raw API responses with a TTL
type Cache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ═══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY TTL CACHE
// ═══════════════════════════════════════════════════════════════════════════════

type cacheEntry struct {
	v   []byte
	exp time.Time
}

// MemoryCache is a process-local TTL cache
type MemoryCache struct {
	mu  sync.RWMutex
	m   map[string]cacheEntry
	now func() time.Time
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]cacheEntry), now: time.Now}
}

func (c *MemoryCache) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && c.now().After(e.exp) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (c *MemoryCache) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.m[key] = cacheEntry{v: value, exp: exp}
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// ═══════════════════════════════════════════════════════════════════════════════
// REDIS CACHE - shared across processes
// ═══════════════════════════════════════════════════════════════════════════════

const redisKeyPrefix = "polyengine:markets:"

// RedisCache stores responses in Redis
type RedisCache struct {
	cli *redis.Client
}

// NewRedisCache connects using a redis:// URL
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{cli: redis.NewClient(opts)}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(cli *redis.Client) *RedisCache {
	return &RedisCache{cli: cli}
}

// Ping checks connectivity
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *RedisCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.cli.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.cli.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

// Close releases the connection pool
func (r *RedisCache) Close() error {
	return r.cli.Close()
}
