// Package dbopen opens the SQLite database behind the run history.
//
// Every connection gets WAL journaling, foreign keys and a busy timeout, so
// parallel scenario runs can record outcomes into one file. Schemas are
// applied as numbered migrations tracked in PRAGMA user_version: reopening
// a history file written by an older build only runs the newer steps.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/storeprobe.db", dbopen.WithMkdirAll(), dbopen.WithSchema(runlog.Schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(runlog.Schema))
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const memoryPath = ":memory:"

type config struct {
	driver      string
	busyTimeout time.Duration
	mkdirAll    bool
	migrations  []string
}

// Option customises Open.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite" (modernc).
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets how long SQLite waits on a locked database. Default: 10s.
func WithBusyTimeout(d time.Duration) Option { return func(c *config) { c.busyTimeout = d } }

// WithMkdirAll creates the parent directories of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema appends a migration step. Steps are numbered from 1 in the
// order they are given and each runs once per database file.
func WithSchema(sql string) Option {
	return func(c *config) { c.migrations = append(c.migrations, sql) }
}

// Open opens the database at path and brings its schema up to date. The
// caller must blank-import the driver.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{driver: "sqlite", busyTimeout: 10 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}
	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if path == memoryPath {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	if err := configure(db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(context.Background(), db, cfg.migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an in-memory database closed by t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func configure(db *sql.DB, cfg config) error {
	for _, p := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	return nil
}

// SchemaVersion returns the number of migration steps applied to db.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("dbopen: user_version: %w", err)
	}
	return v, nil
}

// migrate runs the steps past the stored user_version, each in its own
// transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB, steps []string) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(steps) {
		return fmt.Errorf("dbopen: database schema version %d is newer than this build (%d)", current, len(steps))
	}
	for i := current; i < len(steps); i++ {
		version := i + 1
		err := RunTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, steps[i]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
			return err
		})
		if err != nil {
			return fmt.Errorf("dbopen: migration %d: %w", version, err)
		}
	}
	return nil
}
