package store

import (
	"sort"

	"github.com/google/uuid"
)

// docSet is one collection held in process memory. The memory and JSON file
// backends share it; neither touches documents except through these methods.
type docSet struct {
	Seq       int64             `json:"seq"`
	Unique    []string          `json:"unique,omitempty"`
	Documents map[string]*entry `json:"documents"`
}

type entry struct {
	Seq int64    `json:"seq"`
	Doc Document `json:"doc"`
}

func newDocSet() *docSet {
	return &docSet{Documents: make(map[string]*entry)}
}

func newID() string {
	return uuid.NewString()
}

// sorted returns entries in insertion order.
func (s *docSet) sorted() []*entry {
	out := make([]*entry, 0, len(s.Documents))
	for _, e := range s.Documents {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *docSet) find(f Filter, limit int) []Document {
	var out []Document
	for _, e := range s.sorted() {
		if !f.Match(e.Doc) {
			continue
		}
		out = append(out, stored(e.Doc))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// uniqueFields always includes the document id.
func (s *docSet) uniqueFields() []string {
	return append([]string{IDField}, s.Unique...)
}

// checkUnique verifies that the candidate documents, which replace the
// documents with the ids in skip, keep every unique field unique.
func (s *docSet) checkUnique(collection string, candidates []Document, skip map[string]bool) error {
	for _, field := range s.uniqueFields() {
		taken := make(map[string]bool)
		for id, e := range s.Documents {
			if skip[id] {
				continue
			}
			if k, ok := valueKey(e.Doc[field]); ok {
				taken[k] = true
			}
		}
		for _, doc := range candidates {
			k, ok := valueKey(doc[field])
			if !ok {
				continue
			}
			if taken[k] {
				return &DuplicateKeyError{Collection: collection, Field: field, Value: doc[field]}
			}
			taken[k] = true
		}
	}
	return nil
}

func (s *docSet) insert(collection string, docs []Document) ([]string, error) {
	prepared := make([]Document, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		d, err := deepCopy(doc)
		if err != nil {
			return nil, err
		}
		id, ok := d[IDField].(string)
		if !ok || id == "" {
			id = newID()
			d[IDField] = id
		}
		prepared[i] = d
		ids[i] = id
	}
	if err := s.checkUnique(collection, prepared, nil); err != nil {
		return nil, err
	}
	for i, d := range prepared {
		s.Seq++
		s.Documents[ids[i]] = &entry{Seq: s.Seq, Doc: d}
	}
	return ids, nil
}

// update applies fn to matching documents. fn returns the new document body;
// the id is preserved. Nothing is written if any result violates a unique index.
func (s *docSet) update(collection string, f Filter, many bool, fn func(Document) Document) (int64, error) {
	var matched []*entry
	for _, e := range s.sorted() {
		if f.Match(e.Doc) {
			matched = append(matched, e)
			if !many {
				break
			}
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	skip := make(map[string]bool, len(matched))
	next := make([]Document, len(matched))
	for i, e := range matched {
		id := e.Doc[IDField]
		d, err := deepCopy(fn(stored(e.Doc)))
		if err != nil {
			return 0, err
		}
		d[IDField] = id
		next[i] = d
		if sid, ok := id.(string); ok {
			skip[sid] = true
		}
	}
	if err := s.checkUnique(collection, next, skip); err != nil {
		return 0, err
	}
	for i, e := range matched {
		e.Doc = next[i]
	}
	return int64(len(matched)), nil
}

func (s *docSet) delete(f Filter, many bool) int64 {
	var n int64
	for _, e := range s.sorted() {
		if !f.Match(e.Doc) {
			continue
		}
		id, _ := e.Doc[IDField].(string)
		delete(s.Documents, id)
		n++
		if !many {
			break
		}
	}
	return n
}

func (s *docSet) ensureUnique(collection, field string) error {
	for _, u := range s.uniqueFields() {
		if u == field {
			return nil
		}
	}
	seen := make(map[string]bool)
	for _, e := range s.sorted() {
		k, ok := valueKey(e.Doc[field])
		if !ok {
			continue
		}
		if seen[k] {
			return &DuplicateKeyError{Collection: collection, Field: field, Value: e.Doc[field]}
		}
		seen[k] = true
	}
	s.Unique = append(s.Unique, field)
	return nil
}

func setFields(patch Document) func(Document) Document {
	return func(d Document) Document {
		for k, v := range patch {
			if k == IDField {
				continue
			}
			d[k] = v
		}
		return d
	}
}

func replaceFields(doc Document) func(Document) Document {
	return func(Document) Document {
		d := make(Document, len(doc))
		for k, v := range doc {
			d[k] = v
		}
		return d
	}
}
