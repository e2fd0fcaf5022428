package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meridian-run/meridian/internal/types"
)

// Space is the current-record view of one space, persisted atomically at
// "space.json".
type Space struct {
	SchemaVersion int              `json:"schema_version"`
	ID            types.SpaceID    `json:"id"`
	Name          string           `json:"name,omitempty"`
	Status        types.SpaceStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
}

const spaceSchemaVersion = 1

// CreateSpace allocates the next space ID under ".spaces/.lock", creates
// the directory skeleton, writes "space.json" atomically, and ensures the
// managed .gitignore is present.
func CreateSpace(repoRoot string, name string) (*Space, error) {
	paths := ResolveStatePaths(repoRoot)
	spacesLock := filepath.Join(paths.AllSpacesDir, ".lock")

	var space *Space
	err := WithLock(spacesLock, func() error {
		id, err := nextSpaceID(paths.AllSpacesDir)
		if err != nil {
			return err
		}
		spaceDir := filepath.Join(paths.AllSpacesDir, string(id))
		sp := SpacePathsFromDir(spaceDir)
		for _, dir := range []string{sp.SessionsDir, sp.FSDir, sp.RunsDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}

		now := time.Now().UTC().Truncate(time.Second)
		space = &Space{
			SchemaVersion: spaceSchemaVersion,
			ID:            id,
			Name:          name,
			Status:        types.SpaceActive,
			CreatedAt:     now,
		}
		return WriteJSONAtomic(sp.SpaceJSON, space)
	})
	if err != nil {
		return nil, err
	}
	if _, err := EnsureGitignore(repoRoot); err != nil {
		return nil, err
	}
	return space, nil
}

func nextSpaceID(allSpacesDir string) (types.SpaceID, error) {
	entries, err := os.ReadDir(allSpacesDir)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	max := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(entry.Name(), "s%d", &n); err == nil && n > max {
			max = n
		}
	}
	return types.SpaceID(fmt.Sprintf("s%d", max+1)), nil
}

// ReadSpace loads the current "space.json" record for one space.
func ReadSpace(spaceDir string) (*Space, error) {
	data, err := os.ReadFile(SpacePathsFromDir(spaceDir).SpaceJSON)
	if err != nil {
		return nil, err
	}
	var space Space
	if err := json.Unmarshal(data, &space); err != nil {
		return nil, err
	}
	return &space, nil
}

// UpdateSpaceStatus performs a locked read-modify-write of "space.json",
// setting FinishedAt when transitioning to closed. Status transitions are
// serialized under the same space.lock that guards space.json writes, per
// SPEC_FULL.md §6.1.
func UpdateSpaceStatus(spaceDir string, newStatus types.SpaceStatus) error {
	sp := SpacePathsFromDir(spaceDir)
	return WithLock(sp.SpaceLock, func() error {
		space, err := ReadSpace(spaceDir)
		if err != nil {
			return err
		}
		space.Status = newStatus
		if newStatus == types.SpaceClosed && space.FinishedAt == nil {
			now := time.Now().UTC().Truncate(time.Second)
			space.FinishedAt = &now
		}
		return WriteJSONAtomic(sp.SpaceJSON, space)
	})
}
