package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock: held by another process")

// RedisLocker hands out short-lived exclusive locks keyed by housekeeping scope.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker builds a locker; ttl bounds how long a crashed holder blocks others.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisLocker{client: client, prefix: "lock:housekeeping:", ttl: ttl}
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock for key or returns ErrHeld.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	return &redisLease{client: l.client, key: l.prefix + key, token: token}, nil
}

// Release drops the lock only if this lease still owns it.
func (le *redisLease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", le.key, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
