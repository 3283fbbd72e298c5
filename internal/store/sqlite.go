package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// NewSQLiteDB opens (creating if needed) the SQLite database at path and
// applies the schema.
func NewSQLiteDB(ctx context.Context, path string) (*SQLDB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// single writer; also keeps the conditional token UPDATE strictly serial
	d.SetMaxOpenConns(1)
	s := &SQLDB{db: d, dialect: dialectSQLite}
	if err := s.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// Init creates missing tables. Postgres schemas are owned by migrations, so
// there Init only checks connectivity.
func (s *SQLDB) Init(ctx context.Context) error {
	if s.dialect == dialectPostgres {
		return s.db.PingContext(ctx)
	}
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
