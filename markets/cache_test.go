package markets

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	clock := now0
	c.now = func() time.Time { return clock }

	require.NoError(t, c.SetBytes(ctx, "k", []byte("v"), time.Second))
	require.NoError(t, c.SetBytes(ctx, "forever", []byte("x"), 0))

	v, ok, err := c.GetBytes(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))

	clock = clock.Add(2 * time.Second)
	_, ok, _ = c.GetBytes(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	_, ok, _ = c.GetBytes(ctx, "forever")
	assert.True(t, ok)

	_, ok, _ = c.GetBytes(ctx, "missing")
	assert.False(t, ok)
}

func TestRedisCache_BadURL(t *testing.T) {
	_, err := NewRedisCache("not a url")
	assert.Error(t, err)
}

func TestRedisCache_UnreachableReturnsError(t *testing.T) {
	cli := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	rc := NewRedisCacheFromClient(cli)
	defer rc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, rc.Ping(ctx))
	_, ok, err := rc.GetBytes(ctx, "k")
	assert.Error(t, err)
	assert.False(t, ok)
}
