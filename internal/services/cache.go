package services

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// TokenCache remembers exact token counts. Implementations fail open: a
// broken backend behaves like an empty cache.
type TokenCache interface {
	Get(ctx context.Context, key string) (int, bool)
	Set(ctx context.Context, key string, tokens int, ttl time.Duration)
}

// TokenCacheKey derives a fixed-size key from the model and text
func TokenCacheKey(model, text string) string {
	sum := blake2b.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// MemoryTokenCache is an in-process TTL cache
type MemoryTokenCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	tokens     int
	expiration time.Time
}

// NewMemoryTokenCache creates the cache and starts its cleanup goroutine
func NewMemoryTokenCache() *MemoryTokenCache {
	c := &MemoryTokenCache{
		items: make(map[string]cacheItem),
		stop:  make(chan struct{}),
	}

	go c.cleanupExpired(time.Minute)

	return c
}

// Get retrieves a count from cache
func (c *MemoryTokenCache) Get(_ context.Context, key string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || time.Now().After(item.expiration) {
		return 0, false
	}
	return item.tokens, true
}

// Set stores a count with TTL
func (c *MemoryTokenCache) Set(_ context.Context, key string, tokens int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem{
		tokens:     tokens,
		expiration: time.Now().Add(ttl),
	}
}

// Len returns the number of stored entries, expired or not
func (c *MemoryTokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine
func (c *MemoryTokenCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanupExpired periodically removes expired items
func (c *MemoryTokenCache) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, item := range c.items {
				if now.After(item.expiration) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// RedisTokenCache shares counts between instances
type RedisTokenCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTokenCache parses redisURL and verifies the connection
func NewRedisTokenCache(ctx context.Context, redisURL, prefix string) (*RedisTokenCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisTokenCache{client: client, prefix: prefix}, nil
}

// NewRedisTokenCacheWithClient wraps an existing client
func NewRedisTokenCacheWithClient(client redis.UniversalClient, prefix string) *RedisTokenCache {
	return &RedisTokenCache{client: client, prefix: prefix}
}

// Get retrieves a count; errors and misses are both reported as a miss
func (c *RedisTokenCache) Get(ctx context.Context, key string) (int, bool) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set stores a count; failures are dropped
func (c *RedisTokenCache) Set(ctx context.Context, key string, tokens int, ttl time.Duration) {
	_ = c.client.Set(ctx, c.prefix+key, tokens, ttl).Err()
}

// Close closes the Redis connection
func (c *RedisTokenCache) Close() error {
	err := c.client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
