package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, UserKey("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, UserKey("b"), []byte(`{"id":"b"}`)))
	require.NoError(t, store.Put(ctx, UserKey("a"), []byte(`{"id":"a"}`)))
	require.NoError(t, store.Put(ctx, ChunkKey("2_3"), []byte("chunk")))

	value, err := store.Get(ctx, UserKey("a"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(value))

	keys, err := store.Keys(ctx, UserPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"users/a", "users/b"}, keys)

	require.NoError(t, store.Put(ctx, UserKey("a"), []byte(`{"id":"a","v":2}`)))
	value, err = store.Get(ctx, UserKey("a"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a","v":2}`, string(value))

	require.NoError(t, store.Delete(ctx, UserKey("a")))
	_, err = store.Get(ctx, UserKey("a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemLevelDB(t *testing.T) {
	store, err := NewMemLevelDB()
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, ActiveChunkIndex, []byte(`["2_3"]`)))
	require.NoError(t, store.Close())

	reopened, err := OpenLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get(ctx, ActiveChunkIndex)
	require.NoError(t, err)
	assert.Equal(t, `["2_3"]`, string(value))
}

func TestLevelDBHonoursCancelledContext(t *testing.T) {
	store, err := NewMemLevelDB()
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, store.Put(ctx, "k", []byte("v")), context.Canceled)
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.db")
	store, err := OpenBolt(path)
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()
	keys, err := reopened.Keys(context.Background(), ChunkPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"chunks/2_3"}, keys)
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("SAVERWORLD_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("SAVERWORLD_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	for _, prefix := range []string{UserPrefix, ChunkPrefix} {
		keys, err := store.Keys(ctx, prefix)
		require.NoError(t, err)
		for _, key := range keys {
			require.NoError(t, store.Delete(ctx, key))
		}
	}
	exerciseStore(t, store)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `users/a\_b\%`, escapeLike("users/a_b%"))
}
