package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string `yaml:"backend" validate:"oneof=json sqlite memory badger postgres mongo"`
	DataDir     string `yaml:"data_dir" validate:"required_if=Backend json,required_if=Backend sqlite,required_if=Backend badger"`
	MongoURI    string `yaml:"mongo_uri" validate:"required_if=Backend mongo"`
	Database    string `yaml:"database" validate:"required_if=Backend mongo"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Backend postgres"`
	SyncWrites  bool   `yaml:"sync_writes"`
}

// New creates a Store based on the backend name.
//
// Supported backends:
//
//	"json"     - JSON files in DataDir (default)
//	"sqlite"   - SQLite database at DataDir/retrondb.db
//	"badger"   - Badger database in DataDir/badger
//	"postgres" - JSONB table in the database at PostgresURL
//	"mongo"    - MongoDB database Database at MongoURI
//	"memory"   - In-memory (ephemeral, for testing)
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "json", "":
		return NewJsonFileStore(cfg.DataDir)
	case "sqlite":
		return NewSqliteStore(filepath.Join(cfg.DataDir, "retrondb.db"))
	case "badger":
		return NewBadgerStore(BadgerConfig{
			Path:       filepath.Join(cfg.DataDir, "badger"),
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresURL)
	case "mongo":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.Database)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: json, sqlite, badger, postgres, mongo, memory)", ErrUnknownBackend, cfg.Backend)
	}
}
