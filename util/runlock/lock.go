// Package runlock keeps two ingestion runs from overlapping, on one host
// through a lock file or across hosts through redis.
package runlock

import (
	"context"
	"errors"
)

// ErrLocked is returned by Acquire when another run holds the lock.
var ErrLocked = errors.New("another run holds the lock")

// Lock is a non-blocking mutual-exclusion guard.
type Lock interface {
	// Acquire takes the lock or returns ErrLocked immediately.
	Acquire(ctx context.Context) error

	// Release gives up a lock taken by this instance. Releasing a lock that
	// is not held is a no-op.
	Release(ctx context.Context) error
}

// WithLock runs fn while holding l.
func WithLock(ctx context.Context, l Lock, fn func(ctx context.Context) error) (err error) {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		// Release on a fresh context so an expired run still cleans up.
		if releaseErr := l.Release(context.WithoutCancel(ctx)); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx)
}
