package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for the embedded Badger backend.
type BadgerConfig struct {
	// Path is the directory for Badger files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives Badger's internal logs. If nil, they are discarded.
	Logger *slog.Logger
}

// BadgerStore keeps one key per document plus one key per unique value.
//
// Key layout:
//
//	d/<collection>/<id>                   -> {"seq": n, "doc": {...}}
//	u/<collection>/<field>                -> "" (field is unique)
//	x/<collection>/<field>/<value key>    -> <id>
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// NewBadgerStore opens a Badger database with the given configuration.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence([]byte("m/seq"), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func docKey(collection, id string) []byte { return []byte("d/" + collection + "/" + id) }
func docPrefix(collection string) []byte  { return []byte("d/" + collection + "/") }
func uniquePrefix(collection string) []byte {
	return []byte("u/" + collection + "/")
}
func valueIndexKey(collection, field, key string) []byte {
	return []byte("x/" + collection + "/" + field + "/" + key)
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *BadgerStore) loadEntries(txn *badger.Txn, collection string) ([]*entry, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := docPrefix(collection)
	var out []*entry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var e entry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *BadgerStore) uniqueFields(txn *badger.Txn, collection string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	prefix := uniquePrefix(collection)
	var fields []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		fields = append(fields, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
	}
	return fields
}

// claim records doc's unique values, failing if another document holds one.
func (s *BadgerStore) claim(txn *badger.Txn, collection string, fields []string, id string, doc Document) error {
	for _, field := range fields {
		k, ok := valueKey(doc[field])
		if !ok {
			continue
		}
		key := valueIndexKey(collection, field, k)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var owner string
			if err := item.Value(func(val []byte) error { owner = string(val); return nil }); err != nil {
				return err
			}
			if owner != id {
				return &DuplicateKeyError{Collection: collection, Field: field, Value: doc[field]}
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := txn.Set(key, []byte(id)); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func (s *BadgerStore) release(txn *badger.Txn, collection string, fields []string, doc Document) error {
	for _, field := range fields {
		if k, ok := valueKey(doc[field]); ok {
			if err := txn.Delete(valueIndexKey(collection, field, k)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BadgerStore) put(txn *badger.Txn, collection string, e *entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	id, _ := e.Doc[IDField].(string)
	return txn.Set(docKey(collection, id), b)
}

func (s *BadgerStore) Find(_ context.Context, collection string, filter Filter) ([]Document, error) {
	docs := []Document{}
	err := s.db.View(func(txn *badger.Txn) error {
		entries, err := s.loadEntries(txn, collection)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if filter.Match(e.Doc) {
				docs = append(docs, e.Doc)
			}
		}
		return nil
	})
	return docs, err
}

func (s *BadgerStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	docs, err := s.Find(ctx, collection, filter)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (s *BadgerStore) InsertOne(ctx context.Context, collection string, doc Document) (string, error) {
	ids, err := s.InsertMany(ctx, collection, []Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *BadgerStore) InsertMany(_ context.Context, collection string, docs []Document) ([]string, error) {
	if err := ValidateName(collection); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	err := s.db.Update(func(txn *badger.Txn) error {
		fields := s.uniqueFields(txn, collection)
		for i, doc := range docs {
			d, err := deepCopy(doc)
			if err != nil {
				return err
			}
			id, ok := d[IDField].(string)
			if !ok || id == "" {
				id = newID()
				d[IDField] = id
			}
			if _, err := txn.Get(docKey(collection, id)); err == nil {
				return &DuplicateKeyError{Collection: collection, Field: IDField, Value: id}
			}
			if err := s.claim(txn, collection, fields, id, d); err != nil {
				return err
			}
			n, err := s.seq.Next()
			if err != nil {
				return err
			}
			if err := s.put(txn, collection, &entry{Seq: int64(n), Doc: d}); err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *BadgerStore) UpdateOne(_ context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(collection, filter, false, setFields(patch))
}

func (s *BadgerStore) UpdateMany(_ context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(collection, filter, true, setFields(patch))
}

func (s *BadgerStore) ReplaceOne(_ context.Context, collection string, filter Filter, doc Document) (int64, error) {
	return s.update(collection, filter, false, replaceFields(doc))
}

func (s *BadgerStore) update(collection string, filter Filter, many bool, fn func(Document) Document) (int64, error) {
	var n int64
	err := s.db.Update(func(txn *badger.Txn) error {
		entries, err := s.loadEntries(txn, collection)
		if err != nil {
			return err
		}
		fields := s.uniqueFields(txn, collection)
		var matched []*entry
		for _, e := range entries {
			if filter.Match(e.Doc) {
				matched = append(matched, e)
				if !many {
					break
				}
			}
		}
		// Release every old value first so documents in the same batch can swap values.
		for _, e := range matched {
			if err := s.release(txn, collection, fields, e.Doc); err != nil {
				return err
			}
		}
		for _, e := range matched {
			id := e.Doc[IDField]
			d, err := deepCopy(fn(stored(e.Doc)))
			if err != nil {
				return err
			}
			d[IDField] = id
			sid, _ := id.(string)
			if err := s.claim(txn, collection, fields, sid, d); err != nil {
				return err
			}
			if err := s.put(txn, collection, &entry{Seq: e.Seq, Doc: d}); err != nil {
				return err
			}
		}
		n = int64(len(matched))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BadgerStore) DeleteOne(_ context.Context, collection string, filter Filter) (int64, error) {
	return s.delete(collection, filter, false)
}

func (s *BadgerStore) DeleteMany(_ context.Context, collection string, filter Filter) (int64, error) {
	return s.delete(collection, filter, true)
}

func (s *BadgerStore) delete(collection string, filter Filter, many bool) (int64, error) {
	var n int64
	err := s.db.Update(func(txn *badger.Txn) error {
		entries, err := s.loadEntries(txn, collection)
		if err != nil {
			return err
		}
		fields := s.uniqueFields(txn, collection)
		for _, e := range entries {
			if !filter.Match(e.Doc) {
				continue
			}
			if err := s.release(txn, collection, fields, e.Doc); err != nil {
				return err
			}
			id, _ := e.Doc[IDField].(string)
			if err := txn.Delete(docKey(collection, id)); err != nil {
				return err
			}
			n++
			if !many {
				break
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BadgerStore) EnsureUniqueIndex(_ context.Context, collection, field string) error {
	if err := ValidateName(collection); err != nil {
		return err
	}
	if err := ValidateName(field); err != nil {
		return err
	}
	if field == IDField {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		marker := append(uniquePrefix(collection), field...)
		if _, err := txn.Get(marker); err == nil {
			return nil
		}
		entries, err := s.loadEntries(txn, collection)
		if err != nil {
			return err
		}
		for _, e := range entries {
			id, _ := e.Doc[IDField].(string)
			if err := s.claim(txn, collection, []string{field}, id, e.Doc); err != nil {
				return err
			}
		}
		return txn.Set(marker, nil)
	})
}

func (s *BadgerStore) ListCollections(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("d/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), "d/")
			if i := strings.IndexByte(rest, '/'); i > 0 {
				seen[rest[:i]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
