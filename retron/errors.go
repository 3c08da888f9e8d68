package retron

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Each typed error below matches exactly one.
var (
	ErrMissingKey           = errors.New("missing identity key")
	ErrUnrecognizedProperty = errors.New("unrecognized property")
	ErrDuplicateIdentity    = errors.New("duplicate identity")
	ErrProtectedFile        = errors.New("protected file")
	ErrNotFound             = errors.New("not found")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// MissingKeyError reports a record or CSV header without "node".
// Row is 1-based for batch input and 0 for single records.
type MissingKeyError struct {
	Key string
	Row int
}

func (e *MissingKeyError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("record %d: missing required key %q", e.Row, e.Key)
	}
	return fmt.Sprintf("missing required key %q", e.Key)
}

func (e *MissingKeyError) Is(target error) bool { return target == ErrMissingKey }

// UnrecognizedPropertyError lists every property the collection has not seen.
type UnrecognizedPropertyError struct {
	Collection string
	Names      []string
}

func (e *UnrecognizedPropertyError) Error() string {
	return fmt.Sprintf("collection %q: unrecognized properties [%s]; pass allow-new to add them",
		e.Collection, strings.Join(e.Names, ", "))
}

func (e *UnrecognizedPropertyError) Is(target error) bool { return target == ErrUnrecognizedProperty }

// DuplicateIdentityError lists the nodes that already exist or repeat within a batch.
type DuplicateIdentityError struct {
	Collection string
	Nodes      []string
	Wrapped    error
}

func (e *DuplicateIdentityError) Error() string {
	msg := fmt.Sprintf("collection %q: node already exists", e.Collection)
	if len(e.Nodes) > 0 {
		msg = fmt.Sprintf("collection %q: duplicate node [%s]", e.Collection, strings.Join(e.Nodes, ", "))
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

func (e *DuplicateIdentityError) Is(target error) bool { return target == ErrDuplicateIdentity }

func (e *DuplicateIdentityError) Unwrap() error { return e.Wrapped }

// ProtectedFileError is returned when an export would overwrite a file.
type ProtectedFileError struct {
	Path string
}

func (e *ProtectedFileError) Error() string {
	return fmt.Sprintf("%s already exists; pass overwrite to replace it", e.Path)
}

func (e *ProtectedFileError) Is(target error) bool { return target == ErrProtectedFile }

// NotFoundError lists the nodes an update could not match.
type NotFoundError struct {
	Collection string
	Nodes      []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("collection %q: no record with node [%s]", e.Collection, strings.Join(e.Nodes, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidArgumentError reports a malformed call, such as a list where a
// condition is required or a property value that is not a scalar.
type InvalidArgumentError struct {
	Msg     string
	Wrapped error
}

func (e *InvalidArgumentError) Error() string {
	if e.Wrapped != nil {
		return e.Msg + ": " + e.Wrapped.Error()
	}
	return e.Msg
}

func (e *InvalidArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

func (e *InvalidArgumentError) Unwrap() error { return e.Wrapped }

func invalidf(format string, args ...any) error {
	return &InvalidArgumentError{Msg: fmt.Sprintf(format, args...)}
}
