package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// JsonFileStore stores each collection as a separate JSON file on disk.
//
// Layout:
//
//	data_dir/
//	  retrons.json    # "retrons" collection
//	  backup.json     # "backup" collection
//
// Each file holds the documents keyed by "_id", their insertion sequence,
// and the collection's unique fields.
type JsonFileStore struct {
	mu  sync.RWMutex
	dir string
}

func NewJsonFileStore(dir string) (*JsonFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JsonFileStore{dir: dir}, nil
}

func (s *JsonFileStore) collectionPath(collection string) (string, error) {
	if err := ValidateName(collection); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, collection+".json"), nil
}

func (s *JsonFileStore) load(collection string) (*docSet, string, error) {
	path, err := s.collectionPath(collection)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newDocSet(), path, nil
		}
		return nil, "", err
	}
	set := newDocSet()
	if err := json.Unmarshal(data, set); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	if set.Documents == nil {
		set.Documents = make(map[string]*entry)
	}
	return set, path, nil
}

// save writes through a temp file so a crash never leaves a truncated collection.
func (s *JsonFileStore) save(path string, set *docSet) error {
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JsonFileStore) Find(_ context.Context, collection string, filter Filter) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, _, err := s.load(collection)
	if err != nil {
		return nil, err
	}
	docs := set.find(filter, 0)
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

func (s *JsonFileStore) FindOne(_ context.Context, collection string, filter Filter) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, _, err := s.load(collection)
	if err != nil {
		return nil, err
	}
	docs := set.find(filter, 1)
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (s *JsonFileStore) InsertOne(ctx context.Context, collection string, doc Document) (string, error) {
	ids, err := s.InsertMany(ctx, collection, []Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *JsonFileStore) InsertMany(_ context.Context, collection string, docs []Document) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, path, err := s.load(collection)
	if err != nil {
		return nil, err
	}
	ids, err := set.insert(collection, docs)
	if err != nil {
		return nil, err
	}
	return ids, s.save(path, set)
}

func (s *JsonFileStore) UpdateOne(_ context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(collection, filter, false, setFields(patch))
}

func (s *JsonFileStore) UpdateMany(_ context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(collection, filter, true, setFields(patch))
}

func (s *JsonFileStore) ReplaceOne(_ context.Context, collection string, filter Filter, doc Document) (int64, error) {
	return s.update(collection, filter, false, replaceFields(doc))
}

func (s *JsonFileStore) update(collection string, filter Filter, many bool, fn func(Document) Document) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, path, err := s.load(collection)
	if err != nil {
		return 0, err
	}
	n, err := set.update(collection, filter, many, fn)
	if err != nil || n == 0 {
		return n, err
	}
	return n, s.save(path, set)
}

func (s *JsonFileStore) DeleteOne(_ context.Context, collection string, filter Filter) (int64, error) {
	return s.delete(collection, filter, false)
}

func (s *JsonFileStore) DeleteMany(_ context.Context, collection string, filter Filter) (int64, error) {
	return s.delete(collection, filter, true)
}

func (s *JsonFileStore) delete(collection string, filter Filter, many bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, path, err := s.load(collection)
	if err != nil {
		return 0, err
	}
	n := set.delete(filter, many)
	if n == 0 {
		return 0, nil
	}
	return n, s.save(path, set)
}

func (s *JsonFileStore) EnsureUniqueIndex(_ context.Context, collection, field string) error {
	if err := ValidateName(field); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, path, err := s.load(collection)
	if err != nil {
		return err
	}
	before := len(set.Unique)
	if err := set.ensureUnique(collection, field); err != nil {
		return err
	}
	if len(set.Unique) == before {
		return nil
	}
	return s.save(path, set)
}

func (s *JsonFileStore) ListCollections(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		coll := strings.TrimSuffix(name, ".json")
		set, _, err := s.load(coll)
		if err != nil || len(set.Documents) == 0 {
			continue
		}
		names = append(names, coll)
	}
	sort.Strings(names)
	return names, nil
}

func (s *JsonFileStore) Close() error { return nil }
