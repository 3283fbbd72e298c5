package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Open connects the named adapter (memory, sqlite or postgres) and brings its
// schema up to date.
func Open(ctx context.Context, adapter, sqliteFile, postgresDSN string) (DB, error) {
	switch adapter {
	case "sqlite":
		if dir := filepath.Dir(sqliteFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		return NewSQLiteDB(ctx, sqliteFile)
	case "postgres":
		log.Println("Applying database migrations...")
		if err := ApplyMigrations(postgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return NewPostgresDB(ctx, postgresDSN)
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", adapter)
	}
}
