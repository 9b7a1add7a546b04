// Package store provides the embedded durable store: an ordered table set
// for rules, patterns, credentials, audits, approvals, accounts, and
// virtual-id mappings, backed by an embedded SQLite file (no network hop,
// no separate server process — the spec's "local trust gateway" framing).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by *sql.DB and *sql.Tx, letting store methods run
// either directly against the pool or inside a caller-managed transaction —
// the same shape as the teacher's pgx-based store methods, adapted to
// database/sql.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database handle and exposes per-domain methods declared
// across the other files in this package.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dsn, applies the schema, and returns a
// ready Store. A single *sql.DB is used with max-open-conns=1 because
// modernc.org/sqlite serializes writers per file and this gateway is a
// single local process, not a connection-pooled service.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging store: %w", err)
	}

	s := &Store{db: db}
	if err := s.applySchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying handle for callers that need direct access
// (goqu query building).
func (s *Store) DB() *sql.DB { return s.db }
