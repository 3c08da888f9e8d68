// Package store defines the backing document store interface and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Document is one stored record, including the store-assigned "_id".
type Document = map[string]any

// IDField is the store-assigned identity of every document.
const IDField = "_id"

// Store is the interface that all backing stores must implement.
// It operates on named collections of schemaless documents.
type Store interface {
	// Find returns every document in a collection matching the filter.
	// An empty filter matches everything.
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)

	// FindOne returns the first matching document, or nil if none matches.
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)

	// InsertOne stores a document and returns its "_id".
	// Fails with a *DuplicateKeyError if a unique index is violated.
	InsertOne(ctx context.Context, collection string, doc Document) (string, error)

	// InsertMany stores documents in order and returns their ids.
	InsertMany(ctx context.Context, collection string, docs []Document) ([]string, error)

	// UpdateOne sets the patch fields on the first matching document.
	// Returns the number of matched documents.
	UpdateOne(ctx context.Context, collection string, filter Filter, patch Document) (int64, error)

	// UpdateMany sets the patch fields on every matching document.
	UpdateMany(ctx context.Context, collection string, filter Filter, patch Document) (int64, error)

	// ReplaceOne replaces the fields of the first matching document, keeping its "_id".
	ReplaceOne(ctx context.Context, collection string, filter Filter, doc Document) (int64, error)

	// DeleteOne removes the first matching document. Returns the number removed.
	DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error)

	// DeleteMany removes every matching document.
	DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error)

	// EnsureUniqueIndex makes field unique within the collection. Idempotent.
	EnsureUniqueIndex(ctx context.Context, collection, field string) error

	// ListCollections returns the names of all collections that contain data.
	ListCollections(ctx context.Context) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

var (
	// ErrDuplicateKey is matched by every unique index violation.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrUnknownBackend is returned by New for unsupported backend names.
	ErrUnknownBackend = errors.New("store: unknown backend")
	// ErrInvalidName is returned for collection or field names a backend cannot address.
	ErrInvalidName = errors.New("store: invalid name")
)

// DuplicateKeyError reports a unique index violation.
// Field and Value are empty when the backend does not report them.
type DuplicateKeyError struct {
	Collection string
	Field      string
	Value      any
	Wrapped    error
}

func (e *DuplicateKeyError) Error() string {
	msg := fmt.Sprintf("duplicate key in collection %q", e.Collection)
	if e.Field != "" {
		msg += fmt.Sprintf(" on field %q", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value %v)", e.Value)
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrDuplicateKey) true.
func (e *DuplicateKeyError) Is(target error) bool { return target == ErrDuplicateKey }

func (e *DuplicateKeyError) Unwrap() error { return e.Wrapped }

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,62}$`)

// ValidateName checks that a collection or field name is addressable by every backend.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Pinger is implemented by backends with a cheap connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks that s is reachable. Backends without a Pinger are probed by
// listing their collections.
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	_, err := s.ListCollections(ctx)
	return err
}
