// Package lock implements domain.JobLock, a Redis-backed cross-process
// single-flight guard over "exactly one job running" (§5). It is grounded on
// the same SET-NX-then-Lua-release idiom as
// internal/service/ratelimiter.RedisLuaLimiter's token-bucket script: a
// single atomic command for the fast path, a Lua script for the
// check-then-delete release so a process can never release a lock it does
// not currently hold.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes key only if its value still matches token, so a
// process whose lock has already expired (and been re-acquired by another
// process) cannot release someone else's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// RedisLock implements domain.JobLock against a single Redis key.
type RedisLock struct {
	redis   *redis.Client
	key     string
	token   string
	release *redis.Script
}

// New constructs a RedisLock guarding the given key. rdb may be nil, in which
// case TryAcquire always succeeds and Release is a no-op (single-process
// deployments do not need a distributed lock).
func New(rdb *redis.Client, key string) *RedisLock {
	if key == "" {
		key = "gen-image-runner:job-lock"
	}
	return &RedisLock{
		redis:   rdb,
		key:     key,
		token:   uuid.NewString(),
		release: redis.NewScript(releaseScript),
	}
}

// TryAcquire takes the lock with SET key token NX PX ttl — a single atomic
// command, so concurrent callers never both observe success.
func (l *RedisLock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if l == nil || l.redis == nil {
		return true, nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := l.redis.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	return ok, nil
}

// Release deletes the lock key iff it is still held by this RedisLock's
// token (i.e. has not already expired and been taken by another process).
func (l *RedisLock) Release(ctx context.Context) error {
	if l == nil || l.redis == nil {
		return nil
	}
	if err := l.release.Run(ctx, l.redis, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// Refresh extends the TTL on a held lock, for callers that want to hold a
// lock across a pipeline run longer than ttl without re-acquiring. Returns
// false if this process no longer holds the lock.
func (l *RedisLock) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	if l == nil || l.redis == nil {
		return true, nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := l.redis.Eval(ctx, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.refresh: %w", err)
	}
	n, _ := ok.(int64)
	return n == 1, nil
}
