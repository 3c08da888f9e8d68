package record_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/record"
)

func TestCanonicalNode(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"abc", "abc"},
		{0, "0"},
		{int64(42), "42"},
		{uint8(7), "7"},
		{float64(2), "2"},
		{1.5, "1.5"},
		{float32(0.25), "0.25"},
		{true, "true"},
	}
	for _, tc := range tests {
		got, err := record.CanonicalNode(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "input %#v", tc.in)
	}

	_, err := record.CanonicalNode(math.NaN())
	assert.Error(t, err)
	_, err = record.CanonicalNode([]string{"a"})
	assert.Error(t, err)
}

func TestNode(t *testing.T) {
	node, ok, err := record.Record{"node": 0}.Node()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0", node)

	_, ok, err = record.Record{"genus": "x"}.Node()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = record.Record{"node": nil}.Node()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonScalar(t *testing.T) {
	r := record.Record{
		"node":  "1",
		"ok":    1.5,
		"list":  []any{1},
		"map":   map[string]any{},
		"_id":   struct{}{},
		"empty": nil,
	}
	assert.Equal(t, []string{"list", "map"}, r.NonScalar())
}

func TestUnionAndKeys(t *testing.T) {
	a := record.Record{"node": "1", "genus": "E"}
	b := record.Record{"node": "2", "species": "coli"}
	assert.Equal(t, []string{"genus", "node", "species"}, record.Union(a, b))
	assert.Equal(t, []string{"genus", "node"}, a.Keys())
}

func TestText(t *testing.T) {
	assert.Equal(t, "", record.Text(nil))
	assert.Equal(t, "3", record.Text(float64(3)))
	assert.Equal(t, "0.5", record.Text(0.5))
	assert.Equal(t, "false", record.Text(false))
	assert.Equal(t, "x", record.Text("x"))
}

func TestClone(t *testing.T) {
	a := record.Record{"node": "1"}
	b := a.Clone()
	b["node"] = "2"
	assert.Equal(t, "1", a["node"])
	assert.Nil(t, record.Record(nil).Clone())
}
