// Package schema tracks the property names observed in a collection.
//
// There is no declared schema. A property is known once at least one stored
// record carries it, and stops being known when the last such record is
// removed. The identity key is always known.
package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/store"
)

// Source is the read side of a store.
type Source interface {
	Find(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error)
}

// Observer keeps a name -> presence count index per collection.
//
// An index is built by one full scan the first time a collection is asked
// about, then kept current through Observe, Forget and Replace. Writers that
// bypass the Observer make the index stale until Invalidate is called.
type Observer struct {
	src    Source
	rescan bool

	mu     sync.Mutex
	counts map[string]map[string]int
}

// Option configures an Observer.
type Option func(*Observer)

// WithRescan makes every query scan the whole collection instead of using the index.
func WithRescan(rescan bool) Option {
	return func(o *Observer) { o.rescan = rescan }
}

func NewObserver(src Source, opts ...Option) *Observer {
	o := &Observer{src: src, counts: make(map[string]map[string]int)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Observer) scan(ctx context.Context, collection string) (map[string]int, error) {
	docs, err := o.src.Find(ctx, collection, nil)
	if err != nil {
		return nil, fmt.Errorf("scan %s properties: %w", collection, err)
	}
	counts := make(map[string]int)
	for _, doc := range docs {
		for k := range doc {
			counts[k]++
		}
	}
	return counts, nil
}

// index returns the counts for collection. The caller holds o.mu.
func (o *Observer) index(ctx context.Context, collection string) (map[string]int, error) {
	if !o.rescan {
		if c, ok := o.counts[collection]; ok {
			return c, nil
		}
	}
	c, err := o.scan(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !o.rescan {
		o.counts[collection] = c
	}
	return c, nil
}

// KnownProperties returns the set of property names present in the collection.
func (o *Observer) KnownProperties(ctx context.Context, collection string) (map[string]struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, err := o.index(ctx, collection)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(c)+1)
	for k, n := range c {
		if n > 0 {
			known[k] = struct{}{}
		}
	}
	known[record.NodeKey] = struct{}{}
	return known, nil
}

// Known returns KnownProperties as a sorted slice.
func (o *Observer) Known(ctx context.Context, collection string) ([]string, error) {
	known, err := o.KnownProperties(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(known))
	for k := range known {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Classify returns the sorted, de-duplicated subset of keys the collection has not seen.
func (o *Observer) Classify(ctx context.Context, collection string, keys []string) ([]string, error) {
	known, err := o.KnownProperties(ctx, collection)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var novel []string
	for _, k := range keys {
		if _, ok := known[k]; ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		novel = append(novel, k)
	}
	sort.Strings(novel)
	return novel, nil
}

// Observe counts the properties of newly stored documents.
func (o *Observer) Observe(collection string, docs ...store.Document) {
	o.adjust(collection, 1, docs)
}

// Forget uncounts the properties of removed documents.
func (o *Observer) Forget(collection string, docs ...store.Document) {
	o.adjust(collection, -1, docs)
}

// Replace swaps one stored document for its new version.
func (o *Observer) Replace(collection string, before, after store.Document) {
	o.Forget(collection, before)
	o.Observe(collection, after)
}

// Invalidate drops the index so the next query rescans.
func (o *Observer) Invalidate(collection string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.counts, collection)
}

func (o *Observer) adjust(collection string, delta int, docs []store.Document) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.counts[collection]
	if !ok {
		// Not indexed yet; the first query will scan.
		return
	}
	for _, doc := range docs {
		for k := range doc {
			c[k] += delta
			if c[k] <= 0 {
				delete(c, k)
			}
		}
	}
}
