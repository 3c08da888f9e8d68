// Package csvio reads and writes retron batches as flat CSV files.
//
// Every cell is text. Reading never coerces numbers, so "007" stays "007".
package csvio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/stevemurr/retrondb/record"
)

// ErrMissingNode is returned when the header has no identity column.
var ErrMissingNode = errors.New("csv: missing \"node\" column")

// Load reads the CSV file at path.
func Load(path string) ([]record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Read parses a CSV stream into records, in file order.
//
//   - the header must contain "node"
//   - an "_id" column left by a previous export is dropped
//   - cells and header names are trimmed
//   - empty cells are left out of the record
func Read(r io.Reader) ([]record.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrMissingNode
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	hasNode := false
	for _, h := range header {
		if h == record.NodeKey {
			hasNode = true
			break
		}
	}
	if !hasNode {
		return nil, ErrMissingNode
	}

	var recs []record.Record
	line := 1
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, err
		}
		if len(row) > len(header) {
			return nil, fmt.Errorf("line %d: %d cells for %d columns", line, len(row), len(header))
		}
		rec := make(record.Record, len(header))
		for i, cell := range row {
			name := header[i]
			if name == "" || name == record.IDKey {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			rec[name] = cell
		}
		if len(rec) == 0 {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Columns returns the export header for docs: "_id" when present, then
// "node", then every other property name sorted. "node" is always there so
// that an export of an empty collection reads back.
func Columns(docs []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, d := range docs {
		for k := range d {
			seen[k] = struct{}{}
		}
	}
	var cols []string
	if _, ok := seen[record.IDKey]; ok {
		cols = append(cols, record.IDKey)
		delete(seen, record.IDKey)
	}
	cols = append(cols, record.NodeKey)
	delete(seen, record.NodeKey)
	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

// Write renders docs as CSV with a header row and no row index.
func Write(w io.Writer, docs []map[string]any) error {
	cols := Columns(docs)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, d := range docs {
		for i, c := range cols {
			row[i] = record.Text(d[c])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
