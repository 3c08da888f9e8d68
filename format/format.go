// Package format renders stored documents in the representations callers ask for.
package format

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stevemurr/retrondb/csvio"
	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/store"
)

// Format names a result representation.
type Format string

const (
	// Raw returns the documents as the store produced them.
	Raw Format = "raw"
	// JSON returns indented document-style text.
	JSON Format = "json"
	// Dict returns independent []map[string]any copies.
	Dict Format = "dict"
	// Table returns a Table.
	Table Format = "table"
)

// ErrUnknownFormat is returned for unsupported representation names.
var ErrUnknownFormat = errors.New("unknown result format")

// Parse accepts a representation name, case-insensitively. Empty means Dict.
func Parse(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return Dict, nil
	case Raw, JSON, Dict, Table:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q (supported: raw, json, dict, table)", ErrUnknownFormat, name)
}

// Grid is the tabular representation: one column per property, one row per document.
type Grid struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Render converts docs into f.
//
//	Raw   -> []store.Document
//	JSON  -> string
//	Dict  -> []map[string]any
//	Table -> Grid
func Render(docs []store.Document, f Format) (any, error) {
	if docs == nil {
		docs = []store.Document{}
	}
	switch f {
	case Raw:
		return docs, nil
	case JSON:
		b, err := json.MarshalIndent(docs, "", "  ")
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case Dict, "":
		out := make([]map[string]any, len(docs))
		for i, d := range docs {
			out[i] = map[string]any(record.Record(d).Clone())
		}
		return out, nil
	case Table:
		return ToGrid(docs), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// RenderOne is Render for a single document. A nil document renders as the
// representation's empty value.
func RenderOne(doc store.Document, f Format) (any, error) {
	if doc == nil {
		switch f {
		case JSON:
			return "null", nil
		case Table:
			return Grid{Columns: []string{}, Rows: [][]string{}}, nil
		case Raw, Dict, "":
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	out, err := Render([]store.Document{doc}, f)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case []map[string]any:
		return v[0], nil
	case string:
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return out, nil
}

// ToGrid lays docs out with the same column order as a CSV export.
func ToGrid(docs []store.Document) Grid {
	maps := make([]map[string]any, len(docs))
	for i, d := range docs {
		maps[i] = d
	}
	cols := csvio.Columns(maps)
	if cols == nil {
		cols = []string{}
	}
	rows := make([][]string, len(docs))
	for i, d := range docs {
		row := make([]string, len(cols))
		for j, c := range cols {
			row[j] = record.Text(d[c])
		}
		rows[i] = row
	}
	return Grid{Columns: cols, Rows: rows}
}
