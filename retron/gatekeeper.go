// Package retron guards writes to a retron collection.
//
// Every write goes through the same steps, whether it carries one record or a
// whole CSV batch: the identity key is validated and canonicalized, the
// incoming property names are checked against the names the collection
// already holds, and duplicate identities are rejected before the store is
// asked to write.
package retron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/schema"
	"github.com/stevemurr/retrondb/store"
)

// Gatekeeper applies the identity and property rules to a store.
// Safe for concurrent use, but checks and writes are not atomic together;
// the unique index on "node" is the only guard against racing writers.
type Gatekeeper struct {
	store    store.Store
	observer *schema.Observer
	logger   *slog.Logger
	metrics  *Metrics
	rescan   bool

	mu      sync.Mutex
	indexed map[string]bool
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = l }
}

// WithMetrics sets the collectors. The default is unregistered.
func WithMetrics(m *Metrics) Option {
	return func(g *Gatekeeper) { g.metrics = m }
}

// WithRescan makes every property check scan the whole collection.
// Use it when other processes write to the same store.
func WithRescan(rescan bool) Option {
	return func(g *Gatekeeper) { g.rescan = rescan }
}

// UpdateOptions controls UpdateOne and UpdateMany.
type UpdateOptions struct {
	// AllowNew accepts property names the collection has not seen.
	AllowNew bool
	// Replace makes the stored fields exactly the incoming ones instead of
	// merging them. The internal id is kept either way.
	Replace bool
}

func NewGatekeeper(s store.Store, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		store:   s,
		logger:  slog.New(slog.DiscardHandler),
		indexed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil)
	}
	g.observer = schema.NewObserver(s, schema.WithRescan(g.rescan))
	return g
}

// Store returns the underlying store.
func (g *Gatekeeper) Store() store.Store { return g.store }

// ValidateIdentity returns a copy of rec ready to be written: "node" is
// canonicalized to text and the reserved "_id" is dropped.
func (g *Gatekeeper) ValidateIdentity(rec record.Record) (record.Record, error) {
	node, ok, err := rec.Node()
	if err != nil {
		return nil, &InvalidArgumentError{Msg: "invalid node", Wrapped: err}
	}
	if !ok {
		return nil, &MissingKeyError{Key: record.NodeKey}
	}
	if bad := rec.NonScalar(); len(bad) > 0 {
		return nil, invalidf("node %s: properties [%s] must be a string, finite number, boolean or null", node, strings.Join(bad, ", "))
	}
	out := rec.Clone()
	delete(out, record.IDKey)
	out[record.NodeKey] = node
	return out, nil
}

// CheckNewProperty fails with an *UnrecognizedPropertyError naming every
// property in names the collection has not seen, unless allowNew is set.
// It never writes.
func (g *Gatekeeper) CheckNewProperty(ctx context.Context, collection string, names []string, allowNew bool) error {
	if allowNew {
		return nil
	}
	novel, err := g.observer.Classify(ctx, collection, names)
	if err != nil {
		return err
	}
	if len(novel) > 0 {
		return &UnrecognizedPropertyError{Collection: collection, Names: novel}
	}
	return nil
}

// AddOne inserts a new record and returns it as stored, including "_id".
func (g *Gatekeeper) AddOne(ctx context.Context, collection string, rec record.Record, allowNew bool) (doc store.Document, err error) {
	defer g.done("add_one", collection, time.Now(), func() int { return count(doc) }, &err)

	r, err := g.ValidateIdentity(rec)
	if err != nil {
		return nil, err
	}
	node := r[record.NodeKey].(string)
	if err := g.CheckNewProperty(ctx, collection, r.Keys(), allowNew); err != nil {
		return nil, err
	}
	if err := g.ensureIndex(ctx, collection); err != nil {
		return nil, err
	}
	filter := store.ByField(record.NodeKey, node)
	existing, err := g.store.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", node, err)
	}
	if existing != nil {
		return nil, &DuplicateIdentityError{Collection: collection, Nodes: []string{node}}
	}
	if _, err := g.store.InsertOne(ctx, collection, store.Document(r)); err != nil {
		return nil, g.writeErr(collection, []string{node}, err)
	}
	doc, err = g.store.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", node, err)
	}
	g.observer.Observe(collection, doc)
	g.logger.Info("retron added", "collection", collection, "node", node)
	return doc, nil
}

// AddMany inserts a batch. Every record is validated, the property check
// covers the union of the batch's names, and duplicates within the batch or
// against the collection are rejected before anything is written.
func (g *Gatekeeper) AddMany(ctx context.Context, collection string, recs []record.Record, allowNew bool) (docs []store.Document, err error) {
	defer g.done("add_many", collection, time.Now(), func() int { return len(docs) }, &err)

	if len(recs) == 0 {
		return []store.Document{}, nil
	}
	batch, nodes, err := g.validateBatch(recs)
	if err != nil {
		return nil, err
	}
	if dups := repeated(nodes); len(dups) > 0 {
		return nil, &DuplicateIdentityError{Collection: collection, Nodes: dups}
	}
	if err := g.CheckNewProperty(ctx, collection, record.Union(batch...), allowNew); err != nil {
		return nil, err
	}
	if err := g.ensureIndex(ctx, collection); err != nil {
		return nil, err
	}
	existing, err := g.byNodes(ctx, collection, nodes)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, &DuplicateIdentityError{Collection: collection, Nodes: present(nodes, existing)}
	}

	toInsert := make([]store.Document, len(batch))
	for i, r := range batch {
		toInsert[i] = store.Document(r)
	}
	if _, err := g.store.InsertMany(ctx, collection, toInsert); err != nil {
		return nil, g.writeErr(collection, nodes, err)
	}
	stored, err := g.byNodes(ctx, collection, nodes)
	if err != nil {
		return nil, err
	}
	docs = inOrder(nodes, stored)
	g.observer.Observe(collection, docs...)
	g.logger.Info("retrons added", "collection", collection, "count", len(docs))
	return docs, nil
}

// UpdateOne changes the record matched by rec's node and returns it as stored
// after the update. A record that does not exist is a *NotFoundError.
func (g *Gatekeeper) UpdateOne(ctx context.Context, collection string, rec record.Record, opts UpdateOptions) (doc store.Document, err error) {
	defer g.done("update_one", collection, time.Now(), func() int { return count(doc) }, &err)

	r, err := g.ValidateIdentity(rec)
	if err != nil {
		return nil, err
	}
	node := r[record.NodeKey].(string)
	if err := g.CheckNewProperty(ctx, collection, r.Keys(), opts.AllowNew); err != nil {
		return nil, err
	}
	before, err := g.store.FindOne(ctx, collection, store.ByField(record.NodeKey, node))
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", node, err)
	}
	if before == nil {
		return nil, &NotFoundError{Collection: collection, Nodes: []string{node}}
	}
	after, err := g.apply(ctx, collection, node, r, opts.Replace)
	if err != nil {
		return nil, err
	}
	g.observer.Replace(collection, before, after)
	g.logger.Info("retron updated", "collection", collection, "node", node, "replace", opts.Replace)
	return after, nil
}

// UpdateMany updates a batch. The property check covers the whole batch and
// every node must already exist; otherwise nothing is written. When the store
// fails partway, the records already updated are put back.
func (g *Gatekeeper) UpdateMany(ctx context.Context, collection string, recs []record.Record, opts UpdateOptions) (docs []store.Document, err error) {
	defer g.done("update_many", collection, time.Now(), func() int { return len(docs) }, &err)

	if len(recs) == 0 {
		return []store.Document{}, nil
	}
	batch, nodes, err := g.validateBatch(recs)
	if err != nil {
		return nil, err
	}
	if dups := repeated(nodes); len(dups) > 0 {
		return nil, invalidf("node [%s] appears more than once in the batch", strings.Join(dups, ", "))
	}
	if err := g.CheckNewProperty(ctx, collection, record.Union(batch...), opts.AllowNew); err != nil {
		return nil, err
	}
	existing, err := g.byNodes(ctx, collection, nodes)
	if err != nil {
		return nil, err
	}
	before := byNode(existing)
	var missing []string
	for _, n := range nodes {
		if _, ok := before[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return nil, &NotFoundError{Collection: collection, Nodes: missing}
	}

	docs = make([]store.Document, 0, len(batch))
	for i, r := range batch {
		after, err := g.apply(ctx, collection, nodes[i], r, opts.Replace)
		if err != nil {
			g.undo(ctx, collection, before, docs)
			return nil, err
		}
		g.observer.Replace(collection, before[nodes[i]], after)
		docs = append(docs, after)
	}
	g.logger.Info("retrons updated", "collection", collection, "count", len(docs), "replace", opts.Replace)
	return docs, nil
}

// RemoveOne deletes the record with the given node and returns what was
// deleted. A node that does not exist returns nil and no error.
func (g *Gatekeeper) RemoveOne(ctx context.Context, collection string, node any) (doc store.Document, err error) {
	defer g.done("remove_one", collection, time.Now(), func() int { return count(doc) }, &err)

	n, err := canonical(node)
	if err != nil {
		return nil, err
	}
	filter := store.ByField(record.NodeKey, n)
	snapshot, err := g.store.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", n, err)
	}
	if snapshot == nil {
		return nil, nil
	}
	deleted, err := g.store.DeleteOne(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", n, err)
	}
	if deleted == 0 {
		return nil, nil
	}
	g.observer.Forget(collection, snapshot)
	g.logger.Info("retron removed", "collection", collection, "node", n)
	return snapshot, nil
}

// RemoveBy deletes every record whose key property satisfies value and
// returns what was deleted. value is either a scalar, compared for equality,
// or a store.Condition. A plain list is rejected; use store.In instead.
func (g *Gatekeeper) RemoveBy(ctx context.Context, collection, key string, value any) (docs []store.Document, err error) {
	defer g.done("remove_by", collection, time.Now(), func() int { return len(docs) }, &err)

	if key == "" {
		return nil, invalidf("remove by: empty property name")
	}
	cond, err := condition(key, value)
	if err != nil {
		return nil, err
	}
	filter := store.Filter{key: cond}
	snapshot, err := g.store.Find(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("remove by %s: %w", key, err)
	}
	if len(snapshot) == 0 {
		return []store.Document{}, nil
	}
	if _, err := g.store.DeleteMany(ctx, collection, filter); err != nil {
		return nil, fmt.Errorf("remove by %s: %w", key, err)
	}
	g.observer.Forget(collection, snapshot...)
	g.logger.Info("retrons removed", "collection", collection, "property", key, "op", string(cond.Op), "count", len(snapshot))
	return snapshot, nil
}

// Find returns the records matching filter.
func (g *Gatekeeper) Find(ctx context.Context, collection string, filter store.Filter) ([]store.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, &InvalidArgumentError{Msg: "invalid filter", Wrapped: err}
	}
	if c, ok := filter[record.NodeKey]; ok {
		nc, err := canonicalCondition(c)
		if err != nil {
			return nil, err
		}
		filter = copyFilter(filter)
		filter[record.NodeKey] = nc
	}
	return g.store.Find(ctx, collection, filter)
}

// Get returns the record with the given node, or a *NotFoundError.
func (g *Gatekeeper) Get(ctx context.Context, collection string, node any) (store.Document, error) {
	n, err := canonical(node)
	if err != nil {
		return nil, err
	}
	doc, err := g.store.FindOne(ctx, collection, store.ByField(record.NodeKey, n))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &NotFoundError{Collection: collection, Nodes: []string{n}}
	}
	return doc, nil
}

// KnownProperties returns the sorted property names records in the
// collection may carry without allowNew. The internal id is not listed.
func (g *Gatekeeper) KnownProperties(ctx context.Context, collection string) ([]string, error) {
	known, err := g.observer.Known(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := known[:0]
	for _, k := range known {
		if k != record.IDKey {
			out = append(out, k)
		}
	}
	return out, nil
}

// Collections lists the collections that hold records.
func (g *Gatekeeper) Collections(ctx context.Context) ([]string, error) {
	return g.store.ListCollections(ctx)
}

// Invalidate forgets what is known about a collection's properties. Call it
// after writing to the store behind the Gatekeeper's back.
func (g *Gatekeeper) Invalidate(collection string) {
	g.observer.Invalidate(collection)
}

// Ping checks that the store is reachable.
func (g *Gatekeeper) Ping(ctx context.Context) error {
	return store.Ping(ctx, g.store)
}

// ensureIndex makes "node" unique in the collection, once per process.
func (g *Gatekeeper) ensureIndex(ctx context.Context, collection string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.indexed[collection] {
		return nil
	}
	if err := g.store.EnsureUniqueIndex(ctx, collection, record.NodeKey); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return &DuplicateIdentityError{Collection: collection, Wrapped: err}
		}
		return fmt.Errorf("unique index on %s.%s: %w", collection, record.NodeKey, err)
	}
	g.indexed[collection] = true
	return nil
}

// apply writes one validated record over the stored record with the same
// node and reads the result back.
func (g *Gatekeeper) apply(ctx context.Context, collection, node string, r record.Record, replace bool) (store.Document, error) {
	filter := store.ByField(record.NodeKey, node)
	var (
		matched int64
		err     error
	)
	if replace {
		matched, err = g.store.ReplaceOne(ctx, collection, filter, store.Document(r))
	} else {
		matched, err = g.store.UpdateOne(ctx, collection, filter, store.Document(r))
	}
	if err != nil {
		return nil, g.writeErr(collection, []string{node}, err)
	}
	if matched == 0 {
		return nil, &NotFoundError{Collection: collection, Nodes: []string{node}}
	}
	after, err := g.store.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", node, err)
	}
	return after, nil
}

// undo restores the records of a failed batch to their state before it.
func (g *Gatekeeper) undo(ctx context.Context, collection string, before map[string]store.Document, updated []store.Document) {
	ctx = context.WithoutCancel(ctx)
	for _, after := range updated {
		node, _ := after[record.NodeKey].(string)
		prev := before[node]
		if _, err := g.store.ReplaceOne(ctx, collection, store.ByField(record.NodeKey, node), prev); err != nil {
			g.logger.Error("undo update failed", "collection", collection, "node", node, "error", err)
			g.observer.Invalidate(collection)
			continue
		}
		g.observer.Replace(collection, after, prev)
	}
}

func (g *Gatekeeper) validateBatch(recs []record.Record) ([]record.Record, []string, error) {
	batch := make([]record.Record, len(recs))
	nodes := make([]string, len(recs))
	for i, rec := range recs {
		r, err := g.ValidateIdentity(rec)
		if err != nil {
			var mk *MissingKeyError
			if errors.As(err, &mk) {
				return nil, nil, &MissingKeyError{Key: mk.Key, Row: i + 1}
			}
			return nil, nil, fmt.Errorf("record %d: %w", i+1, err)
		}
		batch[i] = r
		nodes[i] = r[record.NodeKey].(string)
	}
	return batch, nodes, nil
}

func (g *Gatekeeper) byNodes(ctx context.Context, collection string, nodes []string) ([]store.Document, error) {
	docs, err := g.store.Find(ctx, collection, store.Filter{record.NodeKey: store.In(nodes)})
	if err != nil {
		return nil, fmt.Errorf("look up %d nodes: %w", len(nodes), err)
	}
	return docs, nil
}

// writeErr maps a unique index violation to a *DuplicateIdentityError.
func (g *Gatekeeper) writeErr(collection string, nodes []string, err error) error {
	if errors.Is(err, store.ErrDuplicateKey) {
		var dk *store.DuplicateKeyError
		if errors.As(err, &dk) && dk.Field == record.NodeKey && dk.Value != nil {
			if n, cerr := record.CanonicalNode(dk.Value); cerr == nil {
				nodes = []string{n}
			}
		}
		return &DuplicateIdentityError{Collection: collection, Nodes: nodes, Wrapped: err}
	}
	return fmt.Errorf("write to %s: %w", collection, err)
}

// done records the outcome of an operation.
func (g *Gatekeeper) done(op, collection string, start time.Time, n func() int, errp *error) {
	g.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	err := *errp
	if err == nil {
		if k := n(); k > 0 {
			g.metrics.writes.WithLabelValues(op).Add(float64(k))
		}
		return
	}
	r := reason(err)
	g.metrics.rejections.WithLabelValues(op, r).Inc()
	level := slog.LevelWarn
	if r == "store" {
		level = slog.LevelError
	}
	g.logger.Log(context.Background(), level, "retron write rejected",
		"operation", op, "collection", collection, "reason", r, "error", err)
}

func canonical(node any) (string, error) {
	if node == nil {
		return "", &MissingKeyError{Key: record.NodeKey}
	}
	n, err := record.CanonicalNode(node)
	if err != nil {
		return "", &InvalidArgumentError{Msg: "invalid node", Wrapped: err}
	}
	return n, nil
}

// condition turns a RemoveBy value into a filter condition.
func condition(key string, value any) (store.Condition, error) {
	var c store.Condition
	switch v := value.(type) {
	case store.Condition:
		c = v
	case *store.Condition:
		if v == nil {
			return c, invalidf("remove by %s: nil condition", key)
		}
		c = *v
	default:
		if isList(value) {
			return c, invalidf("remove by %s: got a list of values; use a condition such as store.In(...) instead", key)
		}
		if !record.IsScalar(value) {
			return c, invalidf("remove by %s: unsupported value of type %T", key, value)
		}
		c = store.Eq(value)
	}
	op, err := store.ParseOp(string(c.Op))
	if err != nil {
		return c, &InvalidArgumentError{Msg: "remove by " + key, Wrapped: err}
	}
	c.Op = op
	if err := c.Validate(); err != nil {
		return c, &InvalidArgumentError{Msg: "remove by " + key, Wrapped: err}
	}
	if key == record.NodeKey {
		return canonicalCondition(c)
	}
	return c, nil
}

// canonicalCondition renders node values as text so that 5 matches "5".
func canonicalCondition(c store.Condition) (store.Condition, error) {
	switch c.Op {
	case store.OpEq, store.OpNe:
		if c.Value == nil {
			return c, nil
		}
		n, err := canonical(c.Value)
		if err != nil {
			return c, err
		}
		c.Value = n
	case store.OpIn, store.OpNin:
		rv := reflect.ValueOf(c.Value)
		nodes := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := canonical(rv.Index(i).Interface())
			if err != nil {
				return c, err
			}
			nodes = append(nodes, n)
		}
		c.Value = nodes
	case store.OpGt, store.OpGte, store.OpLt, store.OpLte:
		if _, ok := c.Value.(string); !ok {
			return c, invalidf("node is text: %s needs a string value, got %T", c.Op, c.Value)
		}
	}
	return c, nil
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return true
	}
	return false
}

func copyFilter(f store.Filter) store.Filter {
	out := make(store.Filter, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// repeated returns the sorted values that occur more than once.
func repeated(nodes []string) []string {
	seen := make(map[string]int, len(nodes))
	var dups []string
	for _, n := range nodes {
		seen[n]++
		if seen[n] == 2 {
			dups = append(dups, n)
		}
	}
	sort.Strings(dups)
	return dups
}

// present returns the sorted nodes that appear in docs.
func present(nodes []string, docs []store.Document) []string {
	found := byNode(docs)
	var out []string
	for _, n := range nodes {
		if _, ok := found[n]; ok {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func byNode(docs []store.Document) map[string]store.Document {
	m := make(map[string]store.Document, len(docs))
	for _, d := range docs {
		if n, err := record.CanonicalNode(d[record.NodeKey]); err == nil {
			m[n] = d
		}
	}
	return m
}

// inOrder arranges docs to follow nodes.
func inOrder(nodes []string, docs []store.Document) []store.Document {
	m := byNode(docs)
	out := make([]store.Document, 0, len(nodes))
	for _, n := range nodes {
		if d, ok := m[n]; ok {
			out = append(out, d)
		}
	}
	return out
}

func count(doc store.Document) int {
	if doc == nil {
		return 0
	}
	return 1
}
