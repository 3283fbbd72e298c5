package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresDB connects to Postgres. Tables must already exist; run
// ApplyMigrations or cmd/migrate first.
func NewPostgresDB(ctx context.Context, dsn string) (*SQLDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	p := &SQLDB{db: d, dialect: dialectPostgres}
	if err := p.Init(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return p, nil
}
