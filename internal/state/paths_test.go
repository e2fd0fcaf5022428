package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStateRoot_Default(t *testing.T) {
	repo := t.TempDir()
	assert.Equal(t, filepath.Join(repo, ".meridian"), ResolveStateRoot(repo))
}

func TestResolveStateRoot_OverrideAbsolute(t *testing.T) {
	repo := t.TempDir()
	override := t.TempDir()
	t.Setenv("MERIDIAN_STATE_ROOT", override)
	assert.Equal(t, override, ResolveStateRoot(repo))
}

func TestResolveStateRoot_OverrideRelative(t *testing.T) {
	repo := t.TempDir()
	t.Setenv("MERIDIAN_STATE_ROOT", "custom-state")
	assert.Equal(t, filepath.Join(repo, "custom-state"), ResolveStateRoot(repo))
}

func TestResolveRunLogDir_RootLevelWhenNoSpace(t *testing.T) {
	repo := t.TempDir()
	dir := ResolveRunLogDir(repo, types.RunID("r1"), "")
	assert.Equal(t, filepath.Join(repo, ".meridian", "runs", "r1"), dir)
}

func TestResolveRunLogDir_SpaceScoped(t *testing.T) {
	repo := t.TempDir()
	dir := ResolveRunLogDir(repo, types.RunID("r1"), types.SpaceID("s1"))
	assert.Equal(t, filepath.Join(repo, ".meridian", ".spaces", "s1", "runs", "r1"), dir)
}

func TestEnsureGitignore_WritesAndIsIdempotent(t *testing.T) {
	repo := t.TempDir()
	path, err := EnsureGitignore(repo)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, gitignoreContent, string(data))

	// Calling again must not error and must not leave a stray tmp file.
	_, err = EnsureGitignore(repo)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(repo, ".meridian", ".gitignore.tmp"))
	assert.True(t, os.IsNotExist(err))
}
