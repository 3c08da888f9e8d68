package store

import (
	"fmt"
	"reflect"
	"strings"
)

// Op is a comparison operator understood by every backend.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpIn  Op = "in"
	OpNin Op = "nin"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Condition compares one field against a value.
// For OpIn and OpNin the value must be a slice.
type Condition struct {
	Op    Op  `json:"op" yaml:"op"`
	Value any `json:"value" yaml:"value"`
}

func Eq(v any) Condition  { return Condition{Op: OpEq, Value: v} }
func Ne(v any) Condition  { return Condition{Op: OpNe, Value: v} }
func In(v any) Condition  { return Condition{Op: OpIn, Value: v} }
func Nin(v any) Condition { return Condition{Op: OpNin, Value: v} }
func Gt(v any) Condition  { return Condition{Op: OpGt, Value: v} }
func Gte(v any) Condition { return Condition{Op: OpGte, Value: v} }
func Lt(v any) Condition  { return Condition{Op: OpLt, Value: v} }
func Lte(v any) Condition { return Condition{Op: OpLte, Value: v} }

// ParseOp accepts operator names with or without a leading "$".
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "$")))
	switch op {
	case OpEq, OpNe, OpIn, OpNin, OpGt, OpGte, OpLt, OpLte:
		return op, nil
	}
	return "", fmt.Errorf("unsupported comparison operator %q", s)
}

// Validate checks the operator and the shape of the value.
func (c Condition) Validate() error {
	if _, err := ParseOp(string(c.Op)); err != nil {
		return err
	}
	_, isList := listValues(c.Value)
	switch c.Op {
	case OpIn, OpNin:
		if !isList {
			return fmt.Errorf("operator %q needs a list value, got %T", c.Op, c.Value)
		}
	default:
		if isList {
			return fmt.Errorf("operator %q needs a single value, got %T", c.Op, c.Value)
		}
	}
	return nil
}

// Filter is a conjunction of per-field conditions. An empty filter matches all documents.
type Filter map[string]Condition

// ByField is shorthand for an equality filter on one field.
func ByField(field string, v any) Filter {
	return Filter{field: Eq(v)}
}

// Validate checks every condition in the filter.
func (f Filter) Validate() error {
	for field, c := range f {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
	}
	return nil
}

// Match evaluates the filter against a document. Missing fields compare as nil.
func (f Filter) Match(doc Document) bool {
	for field, c := range f {
		if !c.match(doc[field]) {
			return false
		}
	}
	return true
}

func (c Condition) match(v any) bool {
	switch c.Op {
	case OpEq:
		return equalValues(v, c.Value)
	case OpNe:
		return !equalValues(v, c.Value)
	case OpIn, OpNin:
		items, _ := listValues(c.Value)
		found := false
		for _, item := range items {
			if equalValues(v, item) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareValues(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func listValues(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	// []byte is a scalar as far as documents go.
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		return ok && x == y
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		return ok && x == y
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two numbers or two strings. ok is false for mixed kinds.
func compareValues(a, b any) (int, bool) {
	if x, ok := toNumber(a); ok {
		y, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, ok := a.(string)
	if !ok {
		return 0, false
	}
	y, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(x, y), true
}

// valueKey renders a value for unique index bookkeeping. nil values are not indexed.
func valueKey(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	if n, ok := toNumber(v); ok {
		return fmt.Sprintf("n:%v", n), true
	}
	switch x := v.(type) {
	case string:
		return "s:" + x, true
	case bool:
		return fmt.Sprintf("b:%t", x), true
	}
	return fmt.Sprintf("o:%v", v), true
}
