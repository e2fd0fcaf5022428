package state

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// WithLock acquires an exclusive advisory lock on lockPath for the
// duration of fn, creating parent directories as needed. The lock is
// released (and its handle closed) before WithLock returns, even if fn
// returns an error.
func WithLock(lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	fl := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return err
	}
	if !locked {
		return context.DeadlineExceeded
	}
	defer fl.Unlock()
	return fn()
}

// IsLockHeld performs a non-blocking probe of lockPath: it returns true if
// some other process currently holds the lock, false if the lock is free
// (and therefore stale, if a lease payload claims otherwise).
func IsLockHeld(lockPath string) (bool, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if locked {
		_ = fl.Unlock()
		return false, nil
	}
	return true, nil
}
