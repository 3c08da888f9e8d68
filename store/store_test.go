package store_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/store"
)

// runStoreTests runs a common test suite against any Store implementation.
func runStoreTests(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Find empty", func(t *testing.T) {
		docs, err := s.Find(ctx, "test", nil)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("InsertOne and FindOne", func(t *testing.T) {
		id, err := s.InsertOne(ctx, "col1", store.Document{"node": "1", "genus": "Escherichia", "count": float64(42)})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "1"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Escherichia", got["genus"])
		assert.EqualValues(t, 42, got["count"])
		assert.Equal(t, id, got["_id"])
	})

	t.Run("FindOne missing", func(t *testing.T) {
		got, err := s.FindOne(ctx, "col1", store.ByField("node", "missing"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("EnsureUniqueIndex is idempotent", func(t *testing.T) {
		require.NoError(t, s.EnsureUniqueIndex(ctx, "col1", "node"))
		require.NoError(t, s.EnsureUniqueIndex(ctx, "col1", "node"))
	})

	t.Run("InsertOne duplicate", func(t *testing.T) {
		_, err := s.InsertOne(ctx, "col1", store.Document{"node": "1", "genus": "Shigella"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrDuplicateKey), "got %v", err)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "1"))
		require.NoError(t, err)
		assert.Equal(t, "Escherichia", got["genus"])
	})

	t.Run("InsertMany", func(t *testing.T) {
		ids, err := s.InsertMany(ctx, "col1", []store.Document{
			{"node": "2", "genus": "Salmonella"},
			{"node": "3", "genus": "Vibrio"},
		})
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		docs, err := s.Find(ctx, "col1", nil)
		require.NoError(t, err)
		assert.Len(t, docs, 3)
	})

	t.Run("InsertMany duplicate inside batch writes nothing", func(t *testing.T) {
		_, err := s.InsertMany(ctx, "col1", []store.Document{
			{"node": "4"},
			{"node": "4"},
		})
		require.ErrorIs(t, err, store.ErrDuplicateKey)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "4"))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Find with conditions", func(t *testing.T) {
		docs, err := s.Find(ctx, "col1", store.Filter{"node": store.In([]any{"1", "3"})})
		require.NoError(t, err)
		assert.Len(t, docs, 2)

		docs, err = s.Find(ctx, "col1", store.Filter{"genus": store.Ne("Vibrio")})
		require.NoError(t, err)
		assert.Len(t, docs, 2)

		docs, err = s.Find(ctx, "col1", store.Filter{"node": store.Gte("2")})
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("UpdateOne merges", func(t *testing.T) {
		n, err := s.UpdateOne(ctx, "col1", store.ByField("node", "2"), store.Document{"species": "enterica"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "2"))
		require.NoError(t, err)
		assert.Equal(t, "Salmonella", got["genus"])
		assert.Equal(t, "enterica", got["species"])
	})

	t.Run("UpdateOne unique violation", func(t *testing.T) {
		_, err := s.UpdateOne(ctx, "col1", store.ByField("node", "2"), store.Document{"node": "3"})
		require.ErrorIs(t, err, store.ErrDuplicateKey)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "2"))
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("UpdateOne no match", func(t *testing.T) {
		n, err := s.UpdateOne(ctx, "col1", store.ByField("node", "nope"), store.Document{"x": "y"})
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("ReplaceOne keeps id", func(t *testing.T) {
		before, err := s.FindOne(ctx, "col1", store.ByField("node", "3"))
		require.NoError(t, err)

		n, err := s.ReplaceOne(ctx, "col1", store.ByField("node", "3"), store.Document{"node": "3", "species": "cholerae"})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "3"))
		require.NoError(t, err)
		assert.Equal(t, before["_id"], got["_id"])
		assert.Equal(t, "cholerae", got["species"])
		_, hasGenus := got["genus"]
		assert.False(t, hasGenus)
	})

	t.Run("UpdateMany", func(t *testing.T) {
		n, err := s.UpdateMany(ctx, "col1", store.Filter{"node": store.In([]string{"1", "2"})}, store.Document{"kingdom": "Bacteria"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("DeleteOne", func(t *testing.T) {
		n, err := s.DeleteOne(ctx, "col1", store.ByField("node", "1"))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := s.FindOne(ctx, "col1", store.ByField("node", "1"))
		require.NoError(t, err)
		assert.Nil(t, got)

		// The freed identity can be reused.
		_, err = s.InsertOne(ctx, "col1", store.Document{"node": "1"})
		require.NoError(t, err)
	})

	t.Run("DeleteOne missing", func(t *testing.T) {
		n, err := s.DeleteOne(ctx, "col1", store.ByField("node", "nope"))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("DeleteMany", func(t *testing.T) {
		n, err := s.DeleteMany(ctx, "col1", store.Filter{"kingdom": store.Eq("Bacteria")})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("ListCollections", func(t *testing.T) {
		names, err := s.ListCollections(ctx)
		require.NoError(t, err)
		assert.Contains(t, names, "col1")
	})

	t.Run("EnsureUniqueIndex over duplicates fails", func(t *testing.T) {
		_, err := s.InsertMany(ctx, "col2", []store.Document{{"genus": "E"}, {"genus": "E"}})
		require.NoError(t, err)
		err = s.EnsureUniqueIndex(ctx, "col2", "genus")
		require.ErrorIs(t, err, store.ErrDuplicateKey)
	})
}

func TestMemoryStore(t *testing.T) {
	s := store.NewMemoryStore()
	runStoreTests(t, s)
}

func TestJsonFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewJsonFileStore(dir)
	require.NoError(t, err)
	runStoreTests(t, s)
}

func TestSqliteStore(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSqliteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer s.Close()
	runStoreTests(t, s)
}

func TestBadgerStore(t *testing.T) {
	s, err := store.NewBadgerStore(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	runStoreTests(t, s)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("RETRONDB_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("RETRONDB_TEST_POSTGRES_URL not set")
	}
	s, err := store.NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()
	runStoreTests(t, s)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("RETRONDB_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("RETRONDB_TEST_MONGO_URI not set")
	}
	s, err := store.NewMongoStore(context.Background(), uri, "retrondb_test")
	require.NoError(t, err)
	defer s.Close()
	runStoreTests(t, s)
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	for _, backend := range []string{"json", "sqlite", "badger", "memory", ""} {
		t.Run(backend, func(t *testing.T) {
			s, err := store.New(ctx, store.Config{Backend: backend, DataDir: filepath.Join(dir, backend)}, nil)
			require.NoError(t, err)
			require.NoError(t, s.Close())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := store.New(ctx, store.Config{Backend: "redis", DataDir: dir}, nil)
		require.ErrorIs(t, err, store.ErrUnknownBackend)
	})
}

func TestJsonFileStoreIsolation(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := store.NewJsonFileStore(dir)
	require.NoError(t, err)

	_, err = s.InsertOne(ctx, "a", store.Document{"node": "1", "x": float64(1)})
	require.NoError(t, err)
	_, err = s.InsertOne(ctx, "b", store.Document{"node": "1", "x": float64(2)})
	require.NoError(t, err)

	aDoc, err := s.FindOne(ctx, "a", store.ByField("node", "1"))
	require.NoError(t, err)
	bDoc, err := s.FindOne(ctx, "b", store.ByField("node", "1"))
	require.NoError(t, err)
	assert.Equal(t, float64(1), aDoc["x"])
	assert.Equal(t, float64(2), bDoc["x"])

	assert.FileExists(t, filepath.Join(dir, "a.json"))
	assert.FileExists(t, filepath.Join(dir, "b.json"))
}

func TestJsonFileStoreRejectsPathNames(t *testing.T) {
	s, err := store.NewJsonFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.InsertOne(context.Background(), "../escape", store.Document{"node": "1"})
	require.ErrorIs(t, err, store.ErrInvalidName)
}

func TestEmbeddedStoresRejectUnencodableValues(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	jsonStore, err := store.NewJsonFileStore(filepath.Join(dir, "json"))
	require.NoError(t, err)
	sqliteStore, err := store.NewSqliteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	defer sqliteStore.Close()
	badgerStore, err := store.NewBadgerStore(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer badgerStore.Close()

	for name, s := range map[string]store.Store{
		"memory": store.NewMemoryStore(),
		"json":   jsonStore,
		"sqlite": sqliteStore,
		"badger": badgerStore,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.InsertOne(ctx, "nan", store.Document{"node": "1", "x": math.NaN()})
			require.Error(t, err)
			_, err = s.InsertMany(ctx, "nan", []store.Document{{"node": "2"}, {"node": "3", "x": math.Inf(1)}})
			require.Error(t, err)

			docs, err := s.Find(ctx, "nan", nil)
			require.NoError(t, err)
			assert.Empty(t, docs)

			_, err = s.InsertOne(ctx, "nan", store.Document{"node": "4"})
			require.NoError(t, err)
			_, err = s.UpdateOne(ctx, "nan", store.ByField("node", "4"), store.Document{"x": math.NaN()})
			require.Error(t, err)
			_, err = s.ReplaceOne(ctx, "nan", store.ByField("node", "4"), store.Document{"node": "4", "x": math.Inf(-1)})
			require.Error(t, err)

			doc, err := s.FindOne(ctx, "nan", store.ByField("node", "4"))
			require.NoError(t, err)
			require.NotNil(t, doc)
			assert.Equal(t, "4", doc["node"])
			assert.NotContains(t, doc, "x")
		})
	}
}
