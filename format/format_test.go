package format_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/format"
	"github.com/stevemurr/retrondb/store"
)

var docs = []store.Document{
	{"_id": "a", "node": "1", "genus": "Escherichia"},
	{"_id": "b", "node": "2", "species": "coli", "length": float64(12)},
}

func TestParse(t *testing.T) {
	for name, want := range map[string]format.Format{
		"":      format.Dict,
		"JSON":  format.JSON,
		" raw ": format.Raw,
		"table": format.Table,
		"dict":  format.Dict,
	} {
		got, err := format.Parse(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := format.Parse("dataframe")
	require.ErrorIs(t, err, format.ErrUnknownFormat)
}

// Every representation carries the same data.
func TestRenderRepresentationsAgree(t *testing.T) {
	raw, err := format.Render(docs, format.Raw)
	require.NoError(t, err)
	assert.Equal(t, docs, raw)

	dict, err := format.Render(docs, format.Dict)
	require.NoError(t, err)
	maps := dict.([]map[string]any)
	assert.Equal(t, "Escherichia", maps[0]["genus"])
	maps[0]["genus"] = "changed"
	assert.Equal(t, "Escherichia", docs[0]["genus"], "dict must be a copy")

	text, err := format.Render(docs, format.JSON)
	require.NoError(t, err)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.(string)), &decoded))
	assert.Len(t, decoded, 2)
	assert.Equal(t, float64(12), decoded[1]["length"])

	grid, err := format.Render(docs, format.Table)
	require.NoError(t, err)
	g := grid.(format.Grid)
	assert.Equal(t, []string{"_id", "node", "genus", "length", "species"}, g.Columns)
	assert.Equal(t, [][]string{
		{"a", "1", "Escherichia", "", ""},
		{"b", "2", "", "12", "coli"},
	}, g.Rows)
}

func TestRenderUnknown(t *testing.T) {
	_, err := format.Render(docs, format.Format("xml"))
	require.ErrorIs(t, err, format.ErrUnknownFormat)
}

func TestRenderOne(t *testing.T) {
	one, err := format.RenderOne(docs[0], format.Dict)
	require.NoError(t, err)
	assert.Equal(t, "1", one.(map[string]any)["node"])

	text, err := format.RenderOne(docs[0], format.JSON)
	require.NoError(t, err)
	assert.Contains(t, text, `"genus": "Escherichia"`)

	empty, err := format.RenderOne(nil, format.Dict)
	require.NoError(t, err)
	assert.Nil(t, empty)

	grid, err := format.RenderOne(nil, format.Table)
	require.NoError(t, err)
	assert.Empty(t, grid.(format.Grid).Rows)
}

func TestRenderEmpty(t *testing.T) {
	text, err := format.Render(nil, format.JSON)
	require.NoError(t, err)
	assert.Equal(t, "[]", text)
}
