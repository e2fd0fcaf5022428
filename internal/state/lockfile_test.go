package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLock_RunsFnAndReleases(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "space.lock")
	ran := false
	err := WithLock(lockPath, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	held, err := IsLockHeld(lockPath)
	require.NoError(t, err)
	assert.False(t, held, "lock must be released after WithLock returns")
}

func TestWithLock_PropagatesFnError(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "space.lock")
	boom := assert.AnError
	err := WithLock(lockPath, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestIsLockHeld_TrueWhileLockedElsewhere(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "runs.lock")
	blocker := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = WithLock(lockPath, func() error {
			close(blocker)
			<-release
			return nil
		})
	}()
	<-blocker
	defer close(release)

	held, err := IsLockHeld(lockPath)
	require.NoError(t, err)
	assert.True(t, held)
}
