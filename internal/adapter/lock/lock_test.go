package lock

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

func newTestRedisWithMiniredis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestRedisLock_TryAcquire_SecondCallerBlocked(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "job-lock")
	b := New(rdb, "job-lock")

	ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second caller must not acquire while the first holds the lock")
}

func TestRedisLock_ReleaseThenReacquire(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "job-lock")
	b := New(rdb, "job-lock")

	ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Release(ctx))

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lock must be acquirable once released")
}

func TestRedisLock_ReleaseDoesNotStealAnotherHolder(t *testing.T) {
	rdb, mr := newTestRedisWithMiniredis(t)
	ctx := context.Background()

	a := New(rdb, "job-lock")
	b := New(rdb, "job-lock")

	ok, err := a.TryAcquire(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(5 * time.Millisecond)

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lock expired, b should acquire it")

	require.NoError(t, a.Release(ctx), "stale release must not error")

	ok, err = New(rdb, "job-lock").TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a's release must not have stolen b's live lock")
}

func TestRedisLock_NilClientIsNoop(t *testing.T) {
	l := New(nil, "job-lock")
	ok, err := l.TryAcquire(context.Background(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.Release(context.Background()))
}

func TestRedisLock_Refresh(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "job-lock")
	ok, err := a.TryAcquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Refresh(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	b := New(rdb, "job-lock")
	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "refreshed lock should still be held")
}
