// Package store owns the embedded relational database: connection
// setup, schema migration, and the transaction helpers every other
// core component composes its multi-row mutations on top of. There is
// exactly one writer; SQLite's WAL mode lets readers proceed without
// blocking on it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Clock abstracts time so components can be tested without a real
// clock. NowMS returns milliseconds since the Unix epoch, UTC - the
// unit every timestamp column in this schema is stored in.
type Clock interface {
	NowMS() int64
}

// SystemClock is the Clock used outside of tests.
type SystemClock struct{}

// NowMS implements Clock.
func (SystemClock) NowMS() int64 { return time.Now().UTC().UnixMilli() }

// Store wraps the single *sql.DB connection shared by every core
// component. It is safe for concurrent use; SQLite serializes writers
// internally and the pool is capped to a single connection so
// statements never interleave across goroutines in ways that would
// violate the single-writer model.
type Store struct {
	db    *sql.DB
	path  string
	clock Clock
}

// Open creates (if needed) and opens the database at path, applies
// pending migrations, and returns a ready Store. path may be ":memory:"
// for tests, in which case no directory is created.
func Open(path string, clock Clock) (*Store, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has no real concurrent-writer story; a single connection
	// turns the Go-level pool into the single-writer guarantee the
	// design relies on instead of leaning on database/sql's pooling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path, clock: clock}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string { return s.path }

// NowMS returns the current time in the Store's clock, milliseconds
// since the Unix epoch UTC.
func (s *Store) NowMS() int64 { return s.clock.NowMS() }

// withTx runs fn inside a transaction, committing on success and
// rolling back on error or panic. Every composite, multi-row core
// operation goes through this so the reaper and claim algorithms get
// atomicity for free.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}
	return nil
}

// WithTx exposes the transaction helper to callers outside the package
// that need to compose multiple store operations atomically (the
// reaper's per-agent cleanup, for instance).
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, fn)
}

// DB returns the underlying *sql.DB for packages that need to build
// statements this package does not already expose. Used sparingly.
func (s *Store) DB() *sql.DB { return s.db }
