package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/schema"
	"github.com/stevemurr/retrondb/store"
)

// countingSource wraps a store and counts full scans.
type countingSource struct {
	store.Store
	scans int
}

func (c *countingSource) Find(ctx context.Context, collection string, f store.Filter) ([]store.Document, error) {
	c.scans++
	return c.Store.Find(ctx, collection, f)
}

func seed(t *testing.T, docs ...store.Document) *countingSource {
	t.Helper()
	s := store.NewMemoryStore()
	if len(docs) > 0 {
		_, err := s.InsertMany(context.Background(), "retrons", docs)
		require.NoError(t, err)
	}
	return &countingSource{Store: s}
}

func TestKnownPropertiesEmptyCollection(t *testing.T) {
	o := schema.NewObserver(seed(t))
	known, err := o.Known(context.Background(), "retrons")
	require.NoError(t, err)
	assert.Equal(t, []string{"node"}, known)
}

func TestKnownPropertiesUnion(t *testing.T) {
	src := seed(t,
		store.Document{"node": "1", "genus": "Escherichia"},
		store.Document{"node": "2", "species": "coli"},
	)
	o := schema.NewObserver(src)
	known, err := o.Known(context.Background(), "retrons")
	require.NoError(t, err)
	assert.Equal(t, []string{"_id", "genus", "node", "species"}, known)
}

func TestKnownPropertiesIdempotent(t *testing.T) {
	src := seed(t, store.Document{"node": "1", "genus": "Escherichia"})
	o := schema.NewObserver(src)
	ctx := context.Background()

	first, err := o.KnownProperties(ctx, "retrons")
	require.NoError(t, err)
	second, err := o.KnownProperties(ctx, "retrons")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.scans, "index should be reused")
}

func TestClassify(t *testing.T) {
	src := seed(t, store.Document{"node": "1", "genus": "Escherichia"})
	o := schema.NewObserver(src)

	novel, err := o.Classify(context.Background(), "retrons", []string{"node", "species", "genus", "strain", "species"})
	require.NoError(t, err)
	assert.Equal(t, []string{"species", "strain"}, novel)
}

func TestIncrementalIndexMatchesRescan(t *testing.T) {
	ctx := context.Background()
	src := seed(t, store.Document{"node": "1", "genus": "Escherichia"})
	o := schema.NewObserver(src)
	_, err := o.KnownProperties(ctx, "retrons")
	require.NoError(t, err)

	added := store.Document{"node": "2", "species": "coli"}
	_, err = src.InsertOne(ctx, "retrons", added)
	require.NoError(t, err)
	o.Observe("retrons", added)

	known, err := o.Known(ctx, "retrons")
	require.NoError(t, err)
	assert.Contains(t, known, "species")

	_, err = src.DeleteOne(ctx, "retrons", store.ByField("node", "2"))
	require.NoError(t, err)
	o.Forget("retrons", added)

	known, err = o.Known(ctx, "retrons")
	require.NoError(t, err)
	assert.NotContains(t, known, "species")

	rescan := schema.NewObserver(src, schema.WithRescan(true))
	fresh, err := rescan.Known(ctx, "retrons")
	require.NoError(t, err)
	indexed, err := o.Known(ctx, "retrons")
	require.NoError(t, err)
	assert.Equal(t, fresh, indexed)
}

func TestReplaceAndInvalidate(t *testing.T) {
	ctx := context.Background()
	src := seed(t, store.Document{"node": "1", "genus": "Escherichia"})
	o := schema.NewObserver(src)
	_, err := o.KnownProperties(ctx, "retrons")
	require.NoError(t, err)

	o.Replace("retrons", store.Document{"node": "1", "genus": "Escherichia"}, store.Document{"node": "1", "strain": "K-12"})
	known, err := o.Known(ctx, "retrons")
	require.NoError(t, err)
	assert.Contains(t, known, "strain")
	assert.NotContains(t, known, "genus")

	o.Invalidate("retrons")
	known, err = o.Known(ctx, "retrons")
	require.NoError(t, err)
	assert.Contains(t, known, "genus")
	assert.Equal(t, 2, src.scans)
}

func TestRescanModeAlwaysScans(t *testing.T) {
	src := seed(t, store.Document{"node": "1"})
	o := schema.NewObserver(src, schema.WithRescan(true))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := o.KnownProperties(ctx, "retrons")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, src.scans)
}
