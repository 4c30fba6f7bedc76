// Package sqlstore owns the single embedded relational store shared by the
// TaskID manager, the durable message queue, the dead-letter queue, and the
// ingress dedupe tables. It is backed by modernc.org/sqlite (pure Go, no
// cgo) with schema migrations run through pressly/goose.
package sqlstore

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the shared *sqlx.DB handle for the embedded store.
type DB struct {
	*sqlx.DB
}

// Open opens (creating if necessary) the sqlite database at path and applies
// any pending migrations. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite: single-writer, serialize through one connection

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(conn.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &DB{DB: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.DB.Close()
}
