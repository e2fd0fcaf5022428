package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeArtifactKey(t *testing.T) {
	assert.Equal(t, ArtifactKey("r1/report.md"), MakeArtifactKey("r1", "report.md"))
}

func TestNormalizeKey_RejectsTraversal(t *testing.T) {
	_, err := normalizeKey(ArtifactKey("r1/../../etc/passwd"))
	assert.Error(t, err)
}

func TestNormalizeKey_RejectsAbsolute(t *testing.T) {
	_, err := normalizeKey(ArtifactKey("/etc/passwd"))
	assert.Error(t, err)
}

func TestLocalStore_PutGetExistsDelete(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	key := MakeArtifactKey("r1", "output.jsonl")

	assert.False(t, store.Exists(key))
	require.NoError(t, store.Put(key, []byte("hello")))
	assert.True(t, store.Exists(key))

	data, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(key))
	assert.False(t, store.Exists(key))
	require.NoError(t, store.Delete(key), "deleting an absent key is not an error")
}

func TestLocalStore_ListArtifacts(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	require.NoError(t, store.Put(MakeArtifactKey("r1", "a.txt"), []byte("a")))
	require.NoError(t, store.Put(MakeArtifactKey("r1", "b.txt"), []byte("b")))
	require.NoError(t, store.Put(MakeArtifactKey("r2", "c.txt"), []byte("c")))

	keys, err := store.ListArtifacts("r1")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, ArtifactKey("r1/a.txt"), keys[0])
	assert.Equal(t, ArtifactKey("r1/b.txt"), keys[1])
}

func TestLocalStore_ListArtifacts_MissingRunReturnsNilNotError(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	keys, err := store.ListArtifacts("r404")
	require.NoError(t, err)
	assert.Nil(t, keys)
}

func TestInMemoryStore_PutIsDefensiveCopy(t *testing.T) {
	store := NewInMemoryStore()
	key := MakeArtifactKey("r1", "a.txt")
	buf := []byte("original")
	require.NoError(t, store.Put(key, buf))
	buf[0] = 'X'

	data, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestInMemoryStore_GetMissingErrors(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Get(MakeArtifactKey("r1", "missing"))
	assert.Error(t, err)
}

func TestInMemoryStore_ListArtifacts(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Put(MakeArtifactKey("r1", "a.txt"), []byte("a")))
	require.NoError(t, store.Put(MakeArtifactKey("r2", "b.txt"), []byte("b")))

	keys, err := store.ListArtifacts("r1")
	require.NoError(t, err)
	assert.Equal(t, []ArtifactKey{"r1/a.txt"}, keys)
}
