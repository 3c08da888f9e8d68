package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// SqliteStore stores all collections in a single SQLite database.
//
// Tables:
//
//	documents(seq, collection, id, data)  UNIQUE (collection, id)
//
// EnsureUniqueIndex adds a partial index on json_extract(data, '$."field"').
type SqliteStore struct {
	*sqlDocuments
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE (collection, id)
		)`,
	},
	uniqueIndex: func(index, collection, field string) string {
		return fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS "%s" ON documents (json_extract(data, '$."%s"')) WHERE collection = '%s'`,
			index, field, collection,
		)
	},
	uniqueViolation: func(err error) (string, bool) {
		var se sqlite3.Error
		if !errors.As(err, &se) || se.ExtendedCode != sqlite3.ErrConstraintUnique {
			return "", false
		}
		// "UNIQUE constraint failed: index 'uniq_retrons__node'"
		msg := se.Error()
		if i := strings.Index(msg, "index '"); i >= 0 {
			rest := msg[i+len("index '"):]
			if j := strings.IndexByte(rest, '\''); j >= 0 {
				return rest[:j], true
			}
		}
		return "", true
	},
	dataParam:  "?",
	dataColumn: "data",
}

func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; WAL lets readers proceed.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	docs, err := newSQLDocuments(context.Background(), db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStore{sqlDocuments: docs}, nil
}
