// Package record defines the retron record shape and its identity rules.
package record

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

const (
	// NodeKey is the identity property every retron carries.
	NodeKey = "node"
	// IDKey is the store-assigned internal identity. It is reserved.
	IDKey = "_id"
)

// Record is one retron: property name -> scalar value.
type Record map[string]any

// Clone returns a shallow copy. Values are scalars so this is a full copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the property names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Node returns the record's identity in canonical form.
// ok is false when the node is absent or nil.
func (r Record) Node() (node string, ok bool, err error) {
	raw, present := r[NodeKey]
	if !present || raw == nil {
		return "", false, nil
	}
	s, err := CanonicalNode(raw)
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// CanonicalNode renders an identity value as text.
//
//	0    -> "0"
//	1.5  -> "1.5"
//	2.0  -> "2"
//	true -> "true"
func CanonicalNode(v any) (string, error) {
	switch n := v.(type) {
	case string:
		return n, nil
	case bool:
		return strconv.FormatBool(n), nil
	case int:
		return strconv.FormatInt(int64(n), 10), nil
	case int8:
		return strconv.FormatInt(int64(n), 10), nil
	case int16:
		return strconv.FormatInt(int64(n), 10), nil
	case int32:
		return strconv.FormatInt(int64(n), 10), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case uint:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(n), 10), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	case float32:
		return formatFloat(float64(n), 32)
	case float64:
		return formatFloat(n, 64)
	case fmt.Stringer:
		return n.String(), nil
	}
	return "", fmt.Errorf("node of type %T cannot be used as an identity", v)
}

func formatFloat(f float64, bits int) (string, error) {
	if !finite(f) {
		return "", fmt.Errorf("node %v is not a finite number", f)
	}
	return strconv.FormatFloat(f, 'f', -1, bits), nil
}

// IsScalar reports whether v is an allowed property value. NaN and the
// infinities are not: no backend can encode them.
func IsScalar(v any) bool {
	switch n := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return finite(float64(n))
	case float64:
		return finite(n)
	}
	return false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// NonScalar returns the sorted names of properties whose values are not scalars.
func (r Record) NonScalar() []string {
	var bad []string
	for k, v := range r {
		if k == IDKey {
			continue
		}
		if !IsScalar(v) {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}

// Text renders a property value for tabular output. nil renders as "".
func Text(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'f', -1, 32)
	}
	if s, err := CanonicalNode(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// Union returns the sorted union of property names across records.
func Union(recs ...Record) []string {
	seen := make(map[string]struct{})
	for _, r := range recs {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
