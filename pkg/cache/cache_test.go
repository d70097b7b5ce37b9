package cache

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

func newTestCache(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestNormalRoundTrip(t *testing.T) {
	store := newTestCache(t)

	require.NoError(t, store.WriteNormal("meta-1", []byte("payload")))
	data, err := store.ReadNormal("meta-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, store.RemoveNormal("meta-1"))
	_, err = store.ReadNormal("meta-1")
	assert.ErrorIs(t, err, errdefs.ErrCacheIO)

	// Removing twice stays quiet.
	assert.NoError(t, store.RemoveNormal("meta-1"))
}

func TestPartsLiveUnderMetaDir(t *testing.T) {
	store := newTestCache(t)

	require.NoError(t, store.WritePart("meta-1", 0, []byte("aa")))
	require.NoError(t, store.WritePart("meta-1", 2, []byte("cc")))

	part, err := store.ReadPart("meta-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cc"), part)

	require.NoError(t, store.RemoveMultipartDir("meta-1"))
	_, err = store.ReadPart("meta-1", 0)
	assert.ErrorIs(t, err, errdefs.ErrCacheIO)
}

func TestChangeNormalToSnapshot(t *testing.T) {
	store := newTestCache(t)

	require.NoError(t, store.WriteNormal("meta-1", []byte("frozen")))
	assert.False(t, store.IsSnapshotExists("meta-1"))

	require.NoError(t, store.ChangeNormalToSnapshot("meta-1"))
	assert.True(t, store.IsSnapshotExists("meta-1"))

	// The normal blob moved, it was not copied.
	_, err := store.ReadNormal("meta-1")
	assert.ErrorIs(t, err, errdefs.ErrCacheIO)

	data, err := store.ReadSnapshot("meta-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("frozen"), data)

	// Renaming a missing blob fails loudly.
	err = store.ChangeNormalToSnapshot("meta-9")
	assert.ErrorIs(t, err, errdefs.ErrCacheIO)
}

func TestOpenSnapshotStreams(t *testing.T) {
	store := newTestCache(t)

	require.NoError(t, store.WriteNormal("meta-1", []byte("stream me")))
	require.NoError(t, store.ChangeNormalToSnapshot("meta-1"))

	rc, err := store.OpenSnapshot("meta-1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("stream me"), data)

	require.NoError(t, store.RemoveSnapshot("meta-1"))
	assert.False(t, store.IsSnapshotExists("meta-1"))
}
