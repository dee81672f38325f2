package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const lockKeyPrefix = "pass:verify_lock:"

// Lock is the per-UID verification lock: a key that exists while one
// verification attempt is in flight. SetNX gives atomicity, the TTL is the
// crash backstop, and releases are owner-checked so an expired holder cannot
// free a lock someone else re-acquired.
type Lock struct {
	Client *redis.Client
}

func NewLock(client *redis.Client) *Lock {
	return &Lock{Client: client}
}

// TryAcquire attempts to take the lock for a UID. It never blocks: a held
// lock means a concurrent scan is in flight and the caller should report busy.
func (l *Lock) TryAcquire(ctx context.Context, uid string, ttl time.Duration) (string, bool, error) {
	key := lockKeyPrefix + uid
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if the caller still owns it. A lock that already
// expired (or was taken over) is left alone.
func (l *Lock) Release(ctx context.Context, uid, token string) error {
	key := lockKeyPrefix + uid
	val, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already expired
	}
	if err != nil {
		return err
	}
	if val == token {
		_, err := l.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}

// Extend pushes the TTL out for a holder that needs the lock longer than the
// initial lease.
func (l *Lock) Extend(ctx context.Context, uid, token string, ttl time.Duration) error {
	key := lockKeyPrefix + uid
	val, err := l.Client.Get(ctx, key).Result()
	if err != nil {
		return err
	}
	if val != token {
		return fmt.Errorf("lock for %s no longer owned", uid)
	}
	return l.Client.Expire(ctx, key, ttl).Err()
}

// ForceRelease drops the lock regardless of owner. Used when a pass is
// deleted so a stale lock cannot outlive the pass.
func (l *Lock) ForceRelease(ctx context.Context, uid string) error {
	return l.Client.Del(ctx, lockKeyPrefix+uid).Err()
}
