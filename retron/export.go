package retron

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/stevemurr/retrondb/csvio"
	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/store"
)

// DefaultExt is appended to export paths that have no extension.
const DefaultExt = ".csv"

// Export writes the whole collection to w as CSV.
func (g *Gatekeeper) Export(ctx context.Context, collection string, w io.Writer) (int, error) {
	docs, err := g.store.Find(ctx, collection, nil)
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", collection, err)
	}
	maps := make([]map[string]any, len(docs))
	for i, d := range docs {
		maps[i] = d
	}
	if err := csvio.Write(w, maps); err != nil {
		return 0, fmt.Errorf("export %s: %w", collection, err)
	}
	return len(docs), nil
}

// ExportAll writes the whole collection to a CSV file and returns its
// absolute path. An existing file is a *ProtectedFileError unless overwrite
// is set.
func (g *Gatekeeper) ExportAll(ctx context.Context, collection, path string, overwrite bool) (abs string, err error) {
	defer g.done("export", collection, time.Now(), func() int { return 0 }, &err)

	if path == "" {
		return "", invalidf("export %s: empty path", collection)
	}
	if filepath.Ext(path) == "" {
		path += DefaultExt
	}
	abs, err = filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("export %s: %w", collection, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(abs, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return "", &ProtectedFileError{Path: abs}
	}
	if err != nil {
		return "", fmt.Errorf("export %s: %w", collection, err)
	}
	n, err := g.Export(ctx, collection, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(abs)
		return "", err
	}
	g.logger.Info("collection exported", "collection", collection, "path", abs, "count", n)
	return abs, nil
}

// Import adds every row of a CSV stream as a new record.
func (g *Gatekeeper) Import(ctx context.Context, collection string, r io.Reader, allowNew bool) ([]store.Document, error) {
	recs, err := csvio.Read(r)
	if err != nil {
		return nil, csvErr(err)
	}
	return g.AddMany(ctx, collection, recs, allowNew)
}

// Restore loads a CSV export into collection. The unique index on "node" is
// created first, and every property in the file is accepted.
func (g *Gatekeeper) Restore(ctx context.Context, path, collection string) ([]store.Document, error) {
	if err := g.store.EnsureUniqueIndex(ctx, collection, record.NodeKey); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, &DuplicateIdentityError{Collection: collection, Wrapped: err}
		}
		return nil, fmt.Errorf("restore %s: %w", collection, err)
	}
	recs, err := csvio.Load(path)
	if err != nil {
		return nil, csvErr(err)
	}
	docs, err := g.AddMany(ctx, collection, recs, true)
	if err != nil {
		return nil, err
	}
	g.logger.Info("collection restored", "collection", collection, "path", path, "count", len(docs))
	return docs, nil
}

func csvErr(err error) error {
	if errors.Is(err, csvio.ErrMissingNode) {
		return &MissingKeyError{Key: record.NodeKey}
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return err
	}
	return &InvalidArgumentError{Msg: "read csv", Wrapped: err}
}
