package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/store"
)

func TestFilterMatch(t *testing.T) {
	doc := store.Document{"node": "7", "genus": "Vibrio", "length": float64(120), "flag": true}

	tests := []struct {
		name   string
		filter store.Filter
		want   bool
	}{
		{"empty", nil, true},
		{"eq", store.Filter{"genus": store.Eq("Vibrio")}, true},
		{"eq numeric across kinds", store.Filter{"length": store.Eq(120)}, true},
		{"eq missing is nil", store.Filter{"species": store.Eq(nil)}, true},
		{"ne", store.Filter{"genus": store.Ne("Vibrio")}, false},
		{"ne missing", store.Filter{"species": store.Ne("coli")}, true},
		{"in", store.Filter{"node": store.In([]string{"1", "7"})}, true},
		{"nin", store.Filter{"node": store.Nin([]any{"1", "7"})}, false},
		{"gt", store.Filter{"length": store.Gt(100)}, true},
		{"gte boundary", store.Filter{"length": store.Gte(120)}, true},
		{"lt", store.Filter{"length": store.Lt(int64(120))}, false},
		{"lte strings", store.Filter{"genus": store.Lte("Z")}, true},
		{"mixed kinds never order", store.Filter{"genus": store.Gt(1)}, false},
		{"bool", store.Filter{"flag": store.Eq(true)}, true},
		{"conjunction", store.Filter{"genus": store.Eq("Vibrio"), "node": store.Eq("8")}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(doc))
		})
	}
}

func TestConditionValidate(t *testing.T) {
	require.NoError(t, store.In([]string{"a"}).Validate())
	require.NoError(t, store.Gt(3).Validate())
	assert.Error(t, store.In("a").Validate())
	assert.Error(t, store.Eq([]string{"a", "b"}).Validate())
	assert.Error(t, store.Condition{Op: "regex", Value: "x"}.Validate())
	assert.Error(t, store.Filter{"node": store.Nin(3)}.Validate())
}

func TestParseOp(t *testing.T) {
	op, err := store.ParseOp("$GTE")
	require.NoError(t, err)
	assert.Equal(t, store.OpGte, op)

	_, err = store.ParseOp("like")
	assert.Error(t, err)
}
