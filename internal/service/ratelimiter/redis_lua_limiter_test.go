package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLuaLimiter_AllowsWithinCapacity(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLuaLimiter(rdb, nil, map[string]BucketConfig{
		"openai": {Capacity: 5, RefillRate: 1},
	})

	allowed, _, err := l.Allow(context.Background(), "openai", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRedisLuaLimiter_BlocksOnceExhausted(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLuaLimiter(rdb, nil, map[string]BucketConfig{
		"openai": {Capacity: 2, RefillRate: 0.001},
	})
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "openai", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "openai", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, retryAfter, err := l.Allow(ctx, "openai", 1)
	require.NoError(t, err)
	require.False(t, allowed, "bucket has no tokens left")
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestRedisLuaLimiter_UnknownKeyAllowsByDefault(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLuaLimiter(rdb, nil, nil)

	allowed, _, err := l.Allow(context.Background(), "unconfigured", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRedisLuaLimiter_NilLimiterAllowsByDefault(t *testing.T) {
	var l *RedisLuaLimiter
	allowed, _, err := l.Allow(context.Background(), "openai", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestRedisLuaLimiter_NilRedisClientReturnsNilLimiter(t *testing.T) {
	require.Nil(t, NewRedisLuaLimiter(nil, nil, nil))
}

func TestRedisLuaLimiter_SetBucketConfigAppliesImmediately(t *testing.T) {
	rdb := newTestRedis(t)
	l := NewRedisLuaLimiter(rdb, nil, nil)

	allowed, _, err := l.Allow(context.Background(), "openai", 1)
	require.NoError(t, err)
	require.True(t, allowed, "unconfigured bucket allows by default")

	l.SetBucketConfig("openai", BucketConfig{Capacity: 1, RefillRate: 0.001})

	allowed, _, err = l.Allow(context.Background(), "openai", 1)
	require.NoError(t, err)
	require.True(t, allowed, "first token after configuring capacity=1")

	allowed, _, err = l.Allow(context.Background(), "openai", 1)
	require.NoError(t, err)
	require.False(t, allowed, "bucket exhausted after first call")
}
