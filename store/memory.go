package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps everything in memory. Data is lost on restart.
// Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*docSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*docSet)}
}

// deepCopy returns a deep copy of a document by round-tripping through JSON.
// Numbers come back as float64 on every JSON-backed store.
// A nil source copies to an empty document. Values JSON cannot encode,
// such as NaN, are an error.
func deepCopy(src map[string]any) (Document, error) {
	dst := Document{}
	if src == nil {
		return dst, nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if err := json.Unmarshal(b, &dst); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return dst, nil
}

// stored copies a document that was already encoded on its way in.
func stored(src Document) Document {
	d, _ := deepCopy(src)
	return d
}

// set returns the collection, creating it when create is true.
func (m *MemoryStore) set(collection string, create bool) *docSet {
	s, ok := m.collections[collection]
	if !ok && create {
		s = newDocSet()
		m.collections[collection] = s
	}
	return s
}

func (m *MemoryStore) Find(_ context.Context, collection string, filter Filter) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.set(collection, false)
	if s == nil {
		return []Document{}, nil
	}
	docs := s.find(filter, 0)
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

func (m *MemoryStore) FindOne(_ context.Context, collection string, filter Filter) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.set(collection, false)
	if s == nil {
		return nil, nil
	}
	docs := s.find(filter, 1)
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (m *MemoryStore) InsertOne(ctx context.Context, collection string, doc Document) (string, error) {
	ids, err := m.InsertMany(ctx, collection, []Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (m *MemoryStore) InsertMany(_ context.Context, collection string, docs []Document) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(collection, true).insert(collection, docs)
}

func (m *MemoryStore) UpdateOne(_ context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return m.update(collection, filter, false, setFields(patch))
}

func (m *MemoryStore) UpdateMany(_ context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return m.update(collection, filter, true, setFields(patch))
}

func (m *MemoryStore) ReplaceOne(_ context.Context, collection string, filter Filter, doc Document) (int64, error) {
	return m.update(collection, filter, false, replaceFields(doc))
}

func (m *MemoryStore) update(collection string, filter Filter, many bool, fn func(Document) Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.set(collection, false)
	if s == nil {
		return 0, nil
	}
	return s.update(collection, filter, many, fn)
}

func (m *MemoryStore) DeleteOne(_ context.Context, collection string, filter Filter) (int64, error) {
	return m.delete(collection, filter, false)
}

func (m *MemoryStore) DeleteMany(_ context.Context, collection string, filter Filter) (int64, error) {
	return m.delete(collection, filter, true)
}

func (m *MemoryStore) delete(collection string, filter Filter, many bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.set(collection, false)
	if s == nil {
		return 0, nil
	}
	return s.delete(filter, many), nil
}

func (m *MemoryStore) EnsureUniqueIndex(_ context.Context, collection, field string) error {
	if err := ValidateName(field); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set(collection, true).ensureUnique(collection, field)
}

func (m *MemoryStore) ListCollections(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, s := range m.collections {
		if len(s.Documents) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Close() error { return nil }
