package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps documents as JSONB rows in a single table.
// Unique fields are partial expression indexes on data->>'field'.
type PostgresStore struct {
	*sqlDocuments
}

const pgUniqueViolation = "23505"

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS documents (
			seq BIGSERIAL PRIMARY KEY,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data JSONB NOT NULL,
			UNIQUE (collection, id)
		)`,
		`CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection)`,
	},
	uniqueIndex: func(index, collection, field string) string {
		return fmt.Sprintf(
			`CREATE UNIQUE INDEX IF NOT EXISTS "%s" ON documents ((data->>'%s')) WHERE collection = '%s'`,
			index, field, collection,
		)
	},
	uniqueViolation: func(err error) (string, bool) {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
			return "", false
		}
		return pgErr.ConstraintName, true
	},
	numbered:   true,
	dataParam:  "?::jsonb",
	dataColumn: "data::text",
}

// NewPostgresStore connects with the pgx stdlib driver and creates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	docs, err := newSQLDocuments(ctx, db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{sqlDocuments: docs}, nil
}
