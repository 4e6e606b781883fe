package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joett77/ussl/crdt"
	"github.com/Joett77/ussl/document"
)

// newTestBackends opens one instance of every embedded backend.
func newTestBackends(t *testing.T) map[string]Storage {
	t.Helper()

	sqlite, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)

	badgerdb, err := NewBadgerStorage("")
	require.NoError(t, err)

	backends := map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
		"badger": badgerdb,
	}
	t.Cleanup(func() {
		for _, backend := range backends {
			backend.Close()
		}
	})
	return backends
}

func testMeta(id document.ID) document.Meta {
	return document.New(id, crdt.StrategyLWW).Meta()
}

func TestStorageCRUD(t *testing.T) {
	ctx := context.Background()
	for name, backend := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			id := document.ID("test:crud")
			meta := testMeta(id)
			data := []byte("hello storage")

			// Store and load
			require.NoError(t, backend.Store(ctx, id, meta, data))
			loadedMeta, loadedData, err := backend.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, loadedMeta.ID)
			assert.Equal(t, meta.Version, loadedMeta.Version)
			assert.Equal(t, data, loadedData)

			// Exists
			ok, err := backend.Exists(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			// Delete
			removed, err := backend.Delete(ctx, id)
			require.NoError(t, err)
			assert.True(t, removed)

			ok, err = backend.Exists(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok)

			removed, err = backend.Delete(ctx, id)
			require.NoError(t, err)
			assert.False(t, removed)

			_, _, err = backend.Load(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorageUpsert(t *testing.T) {
	ctx := context.Background()
	for name, backend := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			id := document.ID("test:upsert")
			meta := testMeta(id)

			require.NoError(t, backend.Store(ctx, id, meta, []byte("version1")))
			require.NoError(t, backend.Store(ctx, id, meta, []byte("version2")))

			_, data, err := backend.Load(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, []byte("version2"), data)

			stats, err := backend.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.DocumentCount)
		})
	}
}

func TestStorageList(t *testing.T) {
	ctx := context.Background()
	for name, backend := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				id := document.ID(fmt.Sprintf("user:%d", i))
				require.NoError(t, backend.Store(ctx, id, testMeta(id), []byte("data")))
			}
			for i := 0; i < 3; i++ {
				id := document.ID(fmt.Sprintf("cart:%d", i))
				require.NoError(t, backend.Store(ctx, id, testMeta(id), []byte("data")))
			}

			users, err := backend.List(ctx, "user:*")
			require.NoError(t, err)
			assert.Len(t, users, 5)

			carts, err := backend.List(ctx, "cart:*")
			require.NoError(t, err)
			assert.Len(t, carts, 3)

			all, err := backend.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 8)

			star, err := backend.List(ctx, "*")
			require.NoError(t, err)
			assert.Len(t, star, 8)

			ones, err := backend.List(ctx, "*:1")
			require.NoError(t, err)
			assert.Len(t, ones, 2)

			exact, err := backend.List(ctx, "cart:2")
			require.NoError(t, err)
			require.Len(t, exact, 1)
			assert.Equal(t, document.ID("cart:2"), exact[0])
		})
	}
}

func TestStorageStats(t *testing.T) {
	ctx := context.Background()
	for name, backend := range newTestBackends(t) {
		t.Run(name, func(t *testing.T) {
			id := document.ID("test:stats")
			require.NoError(t, backend.Store(ctx, id, testMeta(id), []byte("some data here")))

			stats, err := backend.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.DocumentCount)
			assert.Greater(t, stats.TotalSizeBytes, int64(0))
		})
	}
}

func TestOpenDSN(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, "memory:")
	require.NoError(t, err)
	defer mem.Close()
	assert.IsType(t, &MemoryStorage{}, mem)

	sqlite, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	assert.IsType(t, &SQLiteStorage{}, sqlite)

	badgerdb, err := Open(ctx, "badger://"+t.TempDir())
	require.NoError(t, err)
	defer badgerdb.Close()
	assert.IsType(t, &BadgerStorage{}, badgerdb)
}

func TestRedisStorage(t *testing.T) {
	url := os.Getenv("USSL_TEST_REDIS")
	if url == "" {
		t.Skip("USSL_TEST_REDIS not set")
	}

	ctx := context.Background()
	backend, err := NewRedisStorage(ctx, url, "ussl_test")
	require.NoError(t, err)
	defer backend.Close()

	id := document.ID("test:redis")
	require.NoError(t, backend.Store(ctx, id, testMeta(id), []byte("redis data")))
	defer backend.Delete(ctx, id)

	_, data, err := backend.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("redis data"), data)
}

func TestMongoStorage(t *testing.T) {
	uri := os.Getenv("USSL_TEST_MONGODB")
	if uri == "" {
		t.Skip("USSL_TEST_MONGODB not set")
	}

	ctx := context.Background()
	backend, err := NewMongoStorage(ctx, uri, "ussl_test")
	require.NoError(t, err)
	defer backend.Close()

	id := document.ID("test:mongo")
	require.NoError(t, backend.Store(ctx, id, testMeta(id), []byte("mongo data")))
	defer backend.Delete(ctx, id)

	_, data, err := backend.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("mongo data"), data)
}
