// Package sqlite provides the relational store behind the sync core: entity
// content hashes, sync cursors, job records, destination slots, source
// connections, and access-control memberships. A single Store value
// implements the narrow store interfaces the runtime packages declare
// (pipeline.HashStore, cursor.Store, sync.JobStore, sync.SyncStore,
// destination.Store, destination.MembershipHandler).
//
// The database uses WAL mode with a sole-writer connection pool; schema
// migrations run through goose at open time.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/airweave/airweave-go/runtime/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type (
	// Options configures Open.
	Options struct {
		// Path is the database file location. ":memory:" is accepted for
		// tests.
		Path   string
		Logger telemetry.Logger
	}

	// Store is the shared handle all repository methods hang off.
	Store struct {
		db  *sql.DB
		log telemetry.Logger
	}
)

// Open opens the database at path, applies pragmas for crash-safe
// durability, and runs pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		opts.Path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database %s: %w", opts.Path, err)
	}
	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info(ctx, "sqlite store opened", "path", opts.Path)
	return s, nil
}

// migrate applies all pending schema migrations using the goose v3 Provider
// API (no global state, context-aware).
func (s *Store) migrate(ctx context.Context) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: creating migration sub-filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, subFS)
	if err != nil {
		return fmt.Errorf("sqlite: creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: running migrations: %w", err)
	}
	for _, r := range results {
		s.log.Debug(ctx, "applied migration", "source", r.Source.Path, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers that need ad-hoc queries (tests,
// diagnostics).
func (s *Store) DB() *sql.DB {
	return s.db
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Nullable helpers: empty string / zero time map to NULL.

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeOf(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}
