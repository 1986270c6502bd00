package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Distributed locks
//
// A lock is a plain Redis key written with SET NX EX. The value is a random
// token identifying the owner; release is a compare-and-delete so one holder
// can never release another holder's lock. The TTL bounds how long a crashed
// holder can block others.

// releaseScript deletes the lock key only when it still holds the caller's
// token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLock attempts to take the named lock for the given TTL. On success
// it returns the owner token needed to release the lock. If the lock is held
// by someone else it returns an empty token and a nil error.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	if name == "" {
		return "", fmt.Errorf("lock name cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token := uuid.New().String()

	if !s.Connected() {
		if s.local.acquireLock(name, token, ttl) {
			return token, nil
		}
		return "", nil
	}

	ok, err := s.rdb.SetNX(ctx, LockKey(s.instanceName, name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock releases the named lock if the token still owns it. It returns
// true when the lock was released, false when the token did not match or the
// lock had already expired.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	if !s.Connected() {
		return s.local.releaseLock(name, token), nil
	}

	n, err := releaseScript.Run(ctx, s.rdb, []string{LockKey(s.instanceName, name)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding the named lock, retrying acquisition with a
// short backoff until the context is done or the retry budget is spent. It
// returns ErrLockNotAcquired when the lock could not be taken.
func (s *Store) WithLock(ctx context.Context, name string, ttl time.Duration, fn func() error) error {
	token, err := s.acquireWithRetry(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if _, err := s.ReleaseLock(context.WithoutCancel(ctx), name, token); err != nil {
			logStore("Failed to release lock %s: %v", name, err)
		}
	}()
	return fn()
}

func (s *Store) acquireWithRetry(ctx context.Context, name string, ttl time.Duration) (string, error) {
	const attempts = 20
	backoff := 25 * time.Millisecond

	for i := 0; i < attempts; i++ {
		token, err := s.AcquireLock(ctx, name, ttl)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLockNotAcquired, name)
}
