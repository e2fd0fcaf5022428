package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSpace_AllocatesSequentialIDs(t *testing.T) {
	repo := t.TempDir()
	s1, err := CreateSpace(repo, "first")
	require.NoError(t, err)
	assert.Equal(t, types.SpaceID("s1"), s1.ID)
	assert.Equal(t, types.SpaceActive, s1.Status)

	s2, err := CreateSpace(repo, "second")
	require.NoError(t, err)
	assert.Equal(t, types.SpaceID("s2"), s2.ID)
}

func TestCreateSpace_CreatesDirSkeletonAndGitignore(t *testing.T) {
	repo := t.TempDir()
	space, err := CreateSpace(repo, "demo")
	require.NoError(t, err)

	spaceDir := ResolveSpaceDir(repo, space.ID)
	sp := SpacePathsFromDir(spaceDir)
	for _, dir := range []string{sp.SessionsDir, sp.FSDir, sp.RunsDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err = os.Stat(filepath.Join(repo, ".meridian", ".gitignore"))
	require.NoError(t, err)
}

func TestReadSpace_RoundTrips(t *testing.T) {
	repo := t.TempDir()
	created, err := CreateSpace(repo, "demo")
	require.NoError(t, err)

	loaded, err := ReadSpace(ResolveSpaceDir(repo, created.ID))
	require.NoError(t, err)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, created.Name, loaded.Name)
}

func TestUpdateSpaceStatus_SetsFinishedAtOnClose(t *testing.T) {
	repo := t.TempDir()
	created, err := CreateSpace(repo, "demo")
	require.NoError(t, err)
	spaceDir := ResolveSpaceDir(repo, created.ID)

	require.NoError(t, UpdateSpaceStatus(spaceDir, types.SpaceClosed))

	loaded, err := ReadSpace(spaceDir)
	require.NoError(t, err)
	assert.Equal(t, types.SpaceClosed, loaded.Status)
	require.NotNil(t, loaded.FinishedAt)
}

func TestUpdateSpaceStatus_ClosingTwiceKeepsFirstFinishedAt(t *testing.T) {
	repo := t.TempDir()
	created, err := CreateSpace(repo, "demo")
	require.NoError(t, err)
	spaceDir := ResolveSpaceDir(repo, created.ID)

	require.NoError(t, UpdateSpaceStatus(spaceDir, types.SpaceClosed))
	first, err := ReadSpace(spaceDir)
	require.NoError(t, err)

	require.NoError(t, UpdateSpaceStatus(spaceDir, types.SpaceClosed))
	second, err := ReadSpace(spaceDir)
	require.NoError(t, err)

	assert.Equal(t, first.FinishedAt.Unix(), second.FinishedAt.Unix())
}
