package services

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCacheKey(t *testing.T) {
	a := TokenCacheKey("model-a", "hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, TokenCacheKey("model-a", "hello"))
	assert.NotEqual(t, a, TokenCacheKey("model-b", "hello"))
	assert.NotEqual(t, a, TokenCacheKey("model-a", "hello!"))
}

func TestMemoryTokenCache(t *testing.T) {
	cache := NewMemoryTokenCache()
	defer cache.Close()
	ctx := context.Background()

	_, ok := cache.Get(ctx, "missing")
	assert.False(t, ok)

	cache.Set(ctx, "k", 12, time.Minute)
	n, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 12, n)

	cache.Set(ctx, "expired", 3, -time.Second)
	_, ok = cache.Get(ctx, "expired")
	assert.False(t, ok)
}

func TestMemoryTokenCache_CloseTwice(t *testing.T) {
	cache := NewMemoryTokenCache()
	cache.Close()
	assert.NotPanics(t, cache.Close)
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestNewRedisTokenCache_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisTokenCache(ctx, "redis://127.0.0.1:1/0", "raven:")
	assert.Error(t, err)

	_, err = NewRedisTokenCache(ctx, "not a url", "raven:")
	assert.Error(t, err)
}

func TestRedisTokenCache_FailsOpen(t *testing.T) {
	cache := NewRedisTokenCacheWithClient(unreachableRedis(), "raven:")
	defer cache.Close()
	ctx := context.Background()

	assert.NotPanics(t, func() { cache.Set(ctx, "k", 5, time.Minute) })
	_, ok := cache.Get(ctx, "k")
	assert.False(t, ok)

	// the accountant treats a broken cache like an empty one
	tokens := NewTokenAccountant(&fakeCounter{n: 4}, cache, nil, TokenAccountantConfig{}, quietLogger())
	assert.Equal(t, 4, tokens.CountText(ctx, "hello"))
}
