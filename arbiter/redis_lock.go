package arbiter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DistLock is a Redis-backed, owner-checked lock on an arbitrary key,
// adapted from the teacher's RedisStore lock primitives (SETNX acquire,
// Lua-script owner-checked renew/release). main.go uses it only as the
// clustered-mode janitor leader-election lease; the claim path does not
// take it for resource keys.
type DistLock struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewDistLock(client *redis.Client, log zerolog.Logger) *DistLock {
	return &DistLock{client: client, log: log.With().Str("component", "arbiter.dist_lock").Logger()}
}

// Acquire attempts to take the lock for ownerID via SET key value NX EX ttl.
func (l *DistLock) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(key), ownerID, ttl).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("dist lock acquire failed")
		return false, err
	}
	return ok, nil
}

// Renew extends the TTL if still held by ownerID. Lua script keeps the
// check-then-expire atomic against a concurrent steal.
func (l *DistLock) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	const script = `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		end
		return -2
	`
	res, err := l.client.Eval(ctx, script, []string{lockKey(key)}, ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release frees the lock if still held by ownerID.
func (l *DistLock) Release(ctx context.Context, key, ownerID string) error {
	const script = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`
	_, err := l.client.Eval(ctx, script, []string{lockKey(key)}, ownerID).Result()
	return err
}

// Owner returns the current holder, or "" if unheld.
func (l *DistLock) Owner(ctx context.Context, key string) (string, error) {
	val, err := l.client.Get(ctx, lockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func lockKey(key string) string { return "agentqueue:lock:" + key }
