// Package state implements Meridian's file-authoritative persistence
// layer: filesystem layout resolution, advisory locking, append-only
// JSONL event stores for spaces/runs/sessions, ID generation, and the
// run-keyed artifact store.
package state

import (
	"os"
	"path/filepath"

	"github.com/meridian-run/meridian/internal/types"
)

const (
	meridianDirName = ".meridian"
	spacesDirName   = ".spaces"

	gitignoreContent = ".spaces/**\n" +
		"!.spaces/*/\n" +
		"!.spaces/*/fs/\n" +
		"!.spaces/*/fs/**\n"
)

// StatePaths resolves the on-disk layout rooted under "<repo>/.meridian/".
type StatePaths struct {
	RootDir          string
	ArtifactsDir     string
	RunsDir          string
	AllSpacesDir     string
	ActiveSpacesDir  string
	ConfigPath       string
	ModelsPath       string
	IndexDBPath      string
}

// ResolveStateRoot resolves the ".meridian" root, honoring a
// MERIDIAN_STATE_ROOT override (absolute, or resolved relative to
// repoRoot).
func ResolveStateRoot(repoRoot string) string {
	override := os.Getenv("MERIDIAN_STATE_ROOT")
	if override == "" {
		return filepath.Join(repoRoot, meridianDirName)
	}
	if filepath.IsAbs(override) {
		return override
	}
	return filepath.Join(repoRoot, override)
}

// ResolveStatePaths resolves every well-known path under the state root.
func ResolveStatePaths(repoRoot string) StatePaths {
	root := ResolveStateRoot(repoRoot)
	return StatePaths{
		RootDir:         root,
		ArtifactsDir:    filepath.Join(root, "artifacts"),
		RunsDir:         filepath.Join(root, "runs"),
		AllSpacesDir:    filepath.Join(root, spacesDirName),
		ActiveSpacesDir: filepath.Join(root, "active-spaces"),
		ConfigPath:      filepath.Join(root, "config.yaml"),
		ModelsPath:      filepath.Join(root, "models.yaml"),
		IndexDBPath:     filepath.Join(root, "index.db"),
	}
}

// SpacePaths resolves the paths for one space directory.
type SpacePaths struct {
	SpaceDir      string
	SpaceJSON     string
	SpaceLock     string
	RunsJSONL     string
	RunsLock      string
	SessionsJSONL string
	SessionsLock  string
	SessionsDir   string
	FSDir         string
	RunsDir       string
}

// SpacePathsFromDir builds space-relative paths from an absolute space
// directory.
func SpacePathsFromDir(spaceDir string) SpacePaths {
	return SpacePaths{
		SpaceDir:      spaceDir,
		SpaceJSON:     filepath.Join(spaceDir, "space.json"),
		SpaceLock:     filepath.Join(spaceDir, "space.lock"),
		RunsJSONL:     filepath.Join(spaceDir, "runs.jsonl"),
		RunsLock:      filepath.Join(spaceDir, "runs.lock"),
		SessionsJSONL: filepath.Join(spaceDir, "sessions.jsonl"),
		SessionsLock:  filepath.Join(spaceDir, "sessions.lock"),
		SessionsDir:   filepath.Join(spaceDir, "sessions"),
		FSDir:         filepath.Join(spaceDir, "fs"),
		RunsDir:       filepath.Join(spaceDir, "runs"),
	}
}

// ResolveSpaceDir returns ".meridian/.spaces/<space-id>/" for a repo root.
func ResolveSpaceDir(repoRoot string, spaceID types.SpaceID) string {
	return filepath.Join(ResolveStatePaths(repoRoot).AllSpacesDir, string(spaceID))
}

// ResolveRunLogDir resolves the absolute run-log directory for a run,
// either space-scoped or (when spaceID is empty) under the root-level
// runs/ directory for depth-0 standalone runs.
func ResolveRunLogDir(repoRoot string, runID types.RunID, spaceID types.SpaceID) string {
	paths := ResolveStatePaths(repoRoot)
	if spaceID == "" {
		return filepath.Join(paths.RunsDir, string(runID))
	}
	return filepath.Join(paths.AllSpacesDir, string(spaceID), "runs", string(runID))
}

// SessionLockPath returns the lock path held for the lifetime of an active
// chat session.
func SessionLockPath(spaceDir string, chatID types.ChatID) string {
	return filepath.Join(SpacePathsFromDir(spaceDir).SessionsDir, string(chatID)+".lock")
}

// ActiveSpaceLockPath returns the advisory "this space is attached" lease
// marker for one space.
func ActiveSpaceLockPath(repoRoot string, spaceID types.SpaceID) string {
	return filepath.Join(ResolveStatePaths(repoRoot).ActiveSpacesDir, string(spaceID)+".lock")
}

// EnsureGitignore creates ".meridian/.gitignore" with the managed
// ignore rules, writing atomically via tmp+rename.
func EnsureGitignore(repoRoot string) (string, error) {
	meridianDir := filepath.Join(repoRoot, meridianDirName)
	if err := os.MkdirAll(meridianDir, 0o755); err != nil {
		return "", err
	}
	gitignorePath := filepath.Join(meridianDir, ".gitignore")

	if current, err := os.ReadFile(gitignorePath); err == nil {
		if string(current) == gitignoreContent {
			return gitignorePath, nil
		}
	}

	tmpPath := filepath.Join(meridianDir, ".gitignore.tmp")
	if err := os.WriteFile(tmpPath, []byte(gitignoreContent), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, gitignorePath); err != nil {
		return "", err
	}
	return gitignorePath, nil
}
