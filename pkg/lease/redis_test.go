package lease

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/pkg/errdefs"
	"github.com/weftworks/weft/pkg/log"
	"github.com/weftworks/weft/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestInsertAndGlobLookup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertWithLease(ctx, MoveKey("move-1", "meta-1"), []byte("a"), time.Hour))
	require.NoError(t, store.InsertWithLease(ctx, MoveKey("move-2", "meta-1"), []byte("b"), time.Hour))
	require.NoError(t, store.InsertWithLease(ctx, MoveKey("move-3", "meta-2"), []byte("c"), time.Hour))

	all, err := store.GetAllByKeyGlob(ctx, MovesByMetaGlob("meta-1"))
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := store.GetOneByKeyGlob(ctx, MoveByIDGlob("move-3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), one.Value)

	_, err = store.GetOneByKeyGlob(ctx, MovesByMetaGlob("meta-9"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestUpdateRequiresLiveLease(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	key := MultipartKey("meta-1", "HASH")
	require.NoError(t, store.InsertWithLease(ctx, key, []byte("v1"), time.Minute))
	require.NoError(t, store.UpdateWithLease(ctx, key, []byte("v2"), time.Minute))

	mr.FastForward(2 * time.Minute)

	err := store.UpdateWithLease(ctx, key, []byte("v3"), time.Minute)
	assert.ErrorIs(t, err, errdefs.ErrLeaseExpired)
}

func TestDeleteByGlob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertWithLease(ctx, MultipartKey("meta-1", "H1"), []byte("a"), time.Hour))
	require.NoError(t, store.InsertWithLease(ctx, MultipartKey("meta-2", "H1"), []byte("b"), time.Hour))
	require.NoError(t, store.InsertWithLease(ctx, MultipartKey("meta-3", "H2"), []byte("c"), time.Hour))

	deleted, err := store.DeleteByKeyGlob(ctx, MultipartByHashGlob("H1"))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	rest, err := store.GetAllByKeyGlob(ctx, "multipart_*")
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, MultipartKey("meta-3", "H2"), rest[0].Key)

	deleted, err = store.DeleteByKeyGlob(ctx, MultipartByHashGlob("H9"))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestKeepAliveExtendsLease(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	key := MoveKey("move-1", "meta-1")
	require.NoError(t, store.InsertWithLease(ctx, key, []byte("a"), time.Minute))

	mr.FastForward(30 * time.Second)
	require.NoError(t, store.KeepAlive(ctx, key, time.Minute))

	// Past the original deadline but within the renewed one.
	mr.FastForward(45 * time.Second)
	_, err := store.GetOneByKeyGlob(ctx, key)
	assert.NoError(t, err)

	mr.FastForward(time.Hour)
	err = store.KeepAlive(ctx, key, time.Minute)
	assert.ErrorIs(t, err, errdefs.ErrLeaseExpired)
}

func TestSnapshotKeyDimensions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	snaps := []*types.Snapshot{
		{ID: "s1", NodeID: "node-1", FileID: "f1", Timestamp: 100, HashAlgorithm: types.HashAlgorithmBlake3, Hash: "AA"},
		{ID: "s2", NodeID: "node-1", FileID: "f2", Timestamp: 200, HashAlgorithm: types.HashAlgorithmBlake3, Hash: "BB"},
		{ID: "s3", NodeID: "node-2", FileID: "f1", Timestamp: 300, HashAlgorithm: types.HashAlgorithmBlake3, Hash: "CC"},
	}
	for _, snap := range snaps {
		require.NoError(t, store.InsertWithLease(ctx, SnapshotKey(snap), []byte(snap.ID), time.Hour))
	}

	byNode, err := store.GetAllByKeyGlob(ctx, SnapshotByNodeGlob("node-1"))
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	one, err := store.GetOneByKeyGlob(ctx, SnapshotByIDGlob("s3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("s3"), one.Value)
}

func TestMetaIDFromMultipartKey(t *testing.T) {
	metaID, ok := MetaIDFromMultipartKey(MultipartKey("meta-1", "HASH"))
	require.True(t, ok)
	assert.Equal(t, "meta-1", metaID)

	_, ok = MetaIDFromMultipartKey("movereg_x_y")
	assert.False(t, ok)
}
