package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/format"
	"github.com/stevemurr/retrondb/retron"
)

func TestCorsMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("wildcard", func(t *testing.T) {
		rec := httptest.NewRecorder()
		corsMiddleware(next, []string{"*"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("listed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://lab.example.org")
		rec := httptest.NewRecorder()
		corsMiddleware(next, []string{"https://other.example.org", " https://lab.example.org"}).ServeHTTP(rec, req)
		assert.Equal(t, "https://lab.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("unlisted origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.org")
		rec := httptest.NewRecorder()
		corsMiddleware(next, []string{"https://lab.example.org"}).ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		corsMiddleware(next, []string{"*"}).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/retrons", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 12.5, parseValue("12.5", false))
	assert.Equal(t, true, parseValue("true", false))
	assert.Nil(t, parseValue("null", false))
	assert.Equal(t, "007", parseValue("007", false))
	assert.Equal(t, "Escherichia", parseValue("Escherichia", false))
	assert.Equal(t, `{"a":1}`, parseValue(`{"a":1}`, false))
	assert.Equal(t, []any{1.0, 2.0}, parseValue("[1,2]", false))
	assert.Equal(t, "12.5", parseValue("12.5", true))
}

func TestParseRecords(t *testing.T) {
	recs, many, err := parseRecords(nil, []string{"node=1", "genus=Vibrio"})
	require.NoError(t, err)
	assert.False(t, many)
	require.Len(t, recs, 1)
	assert.Equal(t, 1.0, recs[0]["node"])
	assert.Equal(t, "Vibrio", recs[0]["genus"])

	recs, many, err = parseRecords(nil, []string{`[{"node":"1"},{"node":"2"}]`})
	require.NoError(t, err)
	assert.True(t, many)
	assert.Len(t, recs, 2)

	recs, many, err = parseRecords(strings.NewReader(`{"node":"9"}`), []string{"-"})
	require.NoError(t, err)
	assert.False(t, many)
	assert.Equal(t, "9", recs[0]["node"])

	_, _, err = parseRecords(nil, []string{"genus"})
	assert.Error(t, err)
	_, _, err = parseRecords(nil, []string{`[{"node":`})
	assert.Error(t, err)
}

func TestParseWhere(t *testing.T) {
	key, c, err := parseWhere("length:gte:100", false)
	require.NoError(t, err)
	assert.Equal(t, "length", key)
	assert.Equal(t, "gte", string(c.Op))
	assert.Equal(t, 100.0, c.Value)

	_, c, err = parseWhere("node:in:1, 2,3", true)
	require.NoError(t, err)
	assert.Equal(t, []any{"1", "2", "3"}, c.Value)

	_, _, err = parseWhere("length:like:1", false)
	assert.Error(t, err)
	_, _, err = parseWhere("length", false)
	assert.Error(t, err)
}

func TestRenderGrid(t *testing.T) {
	assert.Equal(t, "(no records)", renderGrid(format.Grid{}))
	out := renderGrid(format.Grid{Columns: []string{"node", "genus"}, Rows: [][]string{{"1", "Vibrio"}}})
	assert.Contains(t, out, "node")
	assert.Contains(t, out, "Vibrio")
}

// cli runs command lines against a JSON store in a fresh directory.
type cli struct {
	t   *testing.T
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RETRONDB_CONFIG", "")
	t.Setenv("RETRONDB_ENV_FILE", filepath.Join(dir, ".env"))
	t.Setenv("STORE_BACKEND", "json")
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("LOG_LEVEL", "error")
	return &cli{t: t, dir: dir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), args, &out, &errOut)
	return out.String(), err
}

func (c *cli) must(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "retrondb %s", strings.Join(args, " "))
	return out
}

func TestCLIAddFindRemove(t *testing.T) {
	c := newCLI(t)

	out := c.must("add", "node=1", "genus=Escherichia", "--allow-new")
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "1", doc["node"])

	_, err := c.run("add", "node=2", "species=coli")
	assert.ErrorIs(t, err, retron.ErrUnrecognizedProperty)

	_, err = c.run("add", "node=1", "genus=Vibrio")
	assert.ErrorIs(t, err, retron.ErrDuplicateIdentity)

	c.must("add", `[{"node":"2","genus":"Vibrio"},{"node":"3","genus":"Vibrio"}]`)

	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.must("find", "genus=Vibrio")), &docs))
	assert.Len(t, docs, 2)

	assert.Equal(t, "genus\nnode\n", c.must("properties"))

	out = c.must("find", "-f", "table")
	assert.Contains(t, out, "Escherichia")

	c.must("update", "node=2", "genus=Shigella")
	require.NoError(t, json.Unmarshal([]byte(c.must("find", "genus=Shigella")), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "2", docs[0]["node"])

	require.NoError(t, json.Unmarshal([]byte(c.must("remove-by", "genus", "Vibrio")), &docs))
	assert.Len(t, docs, 1)

	out = c.must("remove", "404")
	assert.Equal(t, "null\n", out)

	require.NoError(t, json.Unmarshal([]byte(c.must("find")), &docs))
	assert.Len(t, docs, 2)
}

func TestCLIExportRestore(t *testing.T) {
	c := newCLI(t)
	c.must("add", `[{"node":"1","genus":"Vibrio","length":4.5},{"node":"2","genus":"Shigella"}]`, "--allow-new")

	target := filepath.Join(c.dir, "backup", "retrons")
	out := c.must("export", target)
	path := strings.TrimSpace(out)
	assert.Equal(t, target+".csv", path)

	_, err := c.run("export", target)
	assert.ErrorIs(t, err, retron.ErrProtectedFile)
	c.must("export", target, "--overwrite")

	assert.Equal(t, "restored 2 records into copy\n", c.must("restore", path, "copy"))

	var docs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.must("find", "-c", "copy", "node=1")), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "Vibrio", docs[0]["genus"])
}

func TestCLIImport(t *testing.T) {
	c := newCLI(t)
	file := filepath.Join(c.dir, "in.csv")
	require.NoError(t, os.WriteFile(file, []byte("node,genus\n1,Vibrio\n2,Shigella\n"), 0o644))

	_, err := c.run("import", file)
	assert.ErrorIs(t, err, retron.ErrUnrecognizedProperty)

	assert.Equal(t, "imported 2 records into retrons\n", c.must("import", file, "--allow-new"))
}

func TestCLIRejectsBadFormat(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("find", "-f", "xml")
	assert.ErrorIs(t, err, format.ErrUnknownFormat)
}

func TestCLIPing(t *testing.T) {
	c := newCLI(t)
	assert.Contains(t, c.must("ping"), "json store ok")
}
