package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "lock:"

// ErrLockBusy is returned by Acquire when another owner holds the lock.
var ErrLockBusy = errors.New("lock is held by another owner")

// Deletes the key only if it still holds our token, so an expired lock
// re-acquired by someone else is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker is a non-blocking, single-owner distributed lock with TTL based
// auto-release. A crashed owner frees the lock once the TTL expires.
type Locker struct {
	client *Client
	logger *zap.Logger
}

// NewLocker creates a lock service on top of client.
func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{
		client: client,
		logger: logger,
	}
}

// Acquire tries to take the lock for key without waiting. It returns an
// owner token on success and ErrLockBusy when the lock is held.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, lockPrefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return "", ErrLockBusy
	}
	return token, nil
}

// Release frees the lock if token still owns it. Releasing a stale or
// expired token is a no-op.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{lockPrefix + key}, token).Int()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	if n == 0 {
		l.logger.Debug("lock already expired or taken over", zap.String("key", key))
	}
	return nil
}
