package statestore

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested mission or value does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned by TransitionMission when the requested
// status change is not in the state machine's transition table. The mission
// record is left untouched.
var ErrInvalidTransition = errors.New("invalid mission status transition")

// ErrLockNotAcquired is returned by WithLock when the named lock is held by
// another owner for the whole acquisition window.
var ErrLockNotAcquired = errors.New("lock not acquired")

// IsNotFound reports whether an error indicates a missing record, covering
// both the store's own sentinel and a raw redis.Nil.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}
