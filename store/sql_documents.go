package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// schema creates the documents table.
	schema []string
	// uniqueIndex returns the DDL for a partial unique index on one JSON field.
	uniqueIndex func(index, collection, field string) string
	// uniqueViolation reports whether err is a unique constraint failure,
	// and the violated index name when the driver reports it.
	uniqueViolation func(err error) (string, bool)
	// numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool
	// placeholder expression for the data parameter on write.
	dataParam string
	// expression selecting data as JSON text.
	dataColumn string
}

// sqlDocuments stores all collections in a single documents table.
//
//	documents(seq, collection, id, data)  UNIQUE (collection, id)
//
// Unique fields are partial expression indexes scoped to one collection.
type sqlDocuments struct {
	mu sync.RWMutex
	db *sql.DB
	d  dialect
}

func newSQLDocuments(ctx context.Context, db *sql.DB, d dialect) (*sqlDocuments, error) {
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: create schema: %w", d.name, err)
		}
	}
	return &sqlDocuments{db: db, d: d}, nil
}

func (s *sqlDocuments) Close() error {
	return s.db.Close()
}

// q rewrites "?" placeholders for dialects that number them.
func (s *sqlDocuments) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func indexName(collection, field string) string {
	return "uniq_" + strings.NewReplacer(".", "_", "-", "_").Replace(collection+"__"+field)
}

func fieldFromIndex(index, collection string) string {
	prefix := indexName(collection, "")
	if strings.HasPrefix(index, prefix) {
		return strings.TrimPrefix(index, prefix)
	}
	return ""
}

func (s *sqlDocuments) duplicate(err error, collection string) error {
	index, ok := s.d.uniqueViolation(err)
	if !ok {
		return err
	}
	return &DuplicateKeyError{Collection: collection, Field: fieldFromIndex(index, collection), Wrapped: err}
}

type row struct {
	seq int64
	doc Document
}

func (s *sqlDocuments) scan(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, collection string, filter Filter, limit int) ([]row, error) {
	rows, err := q.QueryContext(ctx,
		s.q("SELECT seq, "+s.d.dataColumn+" FROM documents WHERE collection = ? ORDER BY seq"),
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row
	for rows.Next() {
		var (
			seq int64
			raw string
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document %d: %w", seq, err)
		}
		if !filter.Match(doc) {
			continue
		}
		out = append(out, row{seq: seq, doc: doc})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *sqlDocuments) Find(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.scan(ctx, s.db, collection, filter, 0)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(rows))
	for i, r := range rows {
		docs[i] = r.doc
	}
	return docs, nil
}

func (s *sqlDocuments) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.scan(ctx, s.db, collection, filter, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0].doc, nil
}

func (s *sqlDocuments) InsertOne(ctx context.Context, collection string, doc Document) (string, error) {
	ids, err := s.InsertMany(ctx, collection, []Document{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (s *sqlDocuments) InsertMany(ctx context.Context, collection string, docs []Document) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt := s.q("INSERT INTO documents (collection, id, data) VALUES (?, ?, " + s.d.dataParam + ")")
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
		b, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, stmt, collection, id, string(b)); err != nil {
			return nil, s.duplicate(err, collection)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, s.duplicate(err, collection)
	}
	return ids, nil
}

func (s *sqlDocuments) UpdateOne(ctx context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(ctx, collection, filter, false, setFields(patch))
}

func (s *sqlDocuments) UpdateMany(ctx context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(ctx, collection, filter, true, setFields(patch))
}

func (s *sqlDocuments) ReplaceOne(ctx context.Context, collection string, filter Filter, doc Document) (int64, error) {
	return s.update(ctx, collection, filter, false, replaceFields(doc))
}

func (s *sqlDocuments) update(ctx context.Context, collection string, filter Filter, many bool, fn func(Document) Document) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	limit := 1
	if many {
		limit = 0
	}
	rows, err := s.scan(ctx, tx, collection, filter, limit)
	if err != nil {
		return 0, err
	}
	stmt := s.q("UPDATE documents SET data = " + s.d.dataParam + " WHERE seq = ?")
	for _, r := range rows {
		id := r.doc[IDField]
		d, err := deepCopy(fn(r.doc))
		if err != nil {
			return 0, err
		}
		d[IDField] = id
		b, err := json.Marshal(d)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, stmt, string(b), r.seq); err != nil {
			return 0, s.duplicate(err, collection)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, s.duplicate(err, collection)
	}
	return int64(len(rows)), nil
}

func (s *sqlDocuments) DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error) {
	return s.delete(ctx, collection, filter, false)
}

func (s *sqlDocuments) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	return s.delete(ctx, collection, filter, true)
}

func (s *sqlDocuments) delete(ctx context.Context, collection string, filter Filter, many bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	limit := 1
	if many {
		limit = 0
	}
	rows, err := s.scan(ctx, tx, collection, filter, limit)
	if err != nil {
		return 0, err
	}
	stmt := s.q("DELETE FROM documents WHERE seq = ?")
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, stmt, r.seq); err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), tx.Commit()
}

func (s *sqlDocuments) EnsureUniqueIndex(ctx context.Context, collection, field string) error {
	if err := ValidateName(collection); err != nil {
		return err
	}
	if err := ValidateName(field); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ddl := s.d.uniqueIndex(indexName(collection, field), collection, field)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		if _, dup := s.d.uniqueViolation(err); dup {
			return &DuplicateKeyError{Collection: collection, Field: field, Wrapped: err}
		}
		return fmt.Errorf("%s: create unique index on %s.%s: %w", s.d.name, collection, field, err)
	}
	return nil
}

func (s *sqlDocuments) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT collection FROM documents ORDER BY collection")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Ping checks the connection.
func (s *sqlDocuments) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.d.name, err)
	}
	return nil
}
