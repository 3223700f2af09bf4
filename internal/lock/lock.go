// Package lock provides a best-effort distributed mutex on redis. It keeps two
// schedulers from working the same subscription at once; correctness still
// rests on the database constraints.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrEmptyKey   = errors.New("lock key is empty")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker acquires and releases named leases.
type Locker interface {
	// TryLock returns the lease token and whether the lock was taken.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release drops the lease only when token still owns it.
	Release(ctx context.Context, key, token string) error
}

type RedisLocker struct {
	client redis.Cmdable
	prefix string
	script *redis.Script
}

// NewRedisLocker returns nil when client is nil, leaving callers unlocked.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		script: redis.NewScript(releaseScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	key = strings.TrimSpace(key)
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.key(key)}, token).Err()
}

func (l *RedisLocker) key(key string) string {
	if l.prefix == "" {
		return key
	}
	return l.prefix + ":" + key
}
