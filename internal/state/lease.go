package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-run/meridian/internal/types"
)

// ActiveSpaceLease is the JSON payload written to
// "active-spaces/<space-id>.lock": a process-lifetime lease marking that
// some process is currently attached to a space.
type ActiveSpaceLease struct {
	LeaseID   string    `json:"lease_id"`
	SpaceID   string    `json:"space_id"`
	ParentPID int       `json:"parent_pid"`
	ChildPID  *int      `json:"child_pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Command   []string  `json:"command"`
}

// AcquireActiveSpaceLease writes the lease file for one space, failing if
// a live lease already exists.
func AcquireActiveSpaceLease(repoRoot string, spaceID types.SpaceID, command []string) (string, error) {
	path := ActiveSpaceLockPath(repoRoot, spaceID)

	if existing, err := readLease(path); err == nil {
		if isProcessAlive(existing.ParentPID) {
			return "", fmt.Errorf("space %s is already attached (pid %d)", spaceID, existing.ParentPID)
		}
	}

	lease := ActiveSpaceLease{
		LeaseID:   uuid.NewString(),
		SpaceID:   string(spaceID),
		ParentPID: os.Getpid(),
		StartedAt: time.Now().UTC(),
		Command:   command,
	}
	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReleaseActiveSpaceLease removes a previously acquired lease. It is not
// an error for the lease file to already be gone.
func ReleaseActiveSpaceLease(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readLease(path string) (ActiveSpaceLease, error) {
	var lease ActiveSpaceLease
	data, err := os.ReadFile(path)
	if err != nil {
		return lease, err
	}
	if err := json.Unmarshal(data, &lease); err != nil {
		return lease, err
	}
	return lease, nil
}

// isProcessAlive probes pid via signal 0. EPERM means the process exists
// but is owned by another user (treated as alive); ESRCH means the
// process does not exist (treated as dead); any other outcome is treated
// as alive out of caution.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	if err == syscall.ESRCH {
		return false
	}
	return true
}

// CleanupOrphanedLeases scans active-spaces/*.lock for leases whose
// parent process is no longer alive, removing the lease and returning the
// space IDs that should transition to closed.
func CleanupOrphanedLeases(repoRoot string) ([]types.SpaceID, error) {
	dir := ResolveStatePaths(repoRoot).ActiveSpacesDir
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var orphaned []types.SpaceID
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		lease, err := readLease(path)
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		if isProcessAlive(lease.ParentPID) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return orphaned, err
		}
		orphaned = append(orphaned, types.SpaceID(lease.SpaceID))
	}
	return orphaned, nil
}
