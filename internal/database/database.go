// Package database implements a thin typed layer over SQLite for the job,
// task, flag and RAP request tables. It provides just the query surface the
// controller needs: typed insert/update/find helpers with a small predicate
// builder, BEGIN IMMEDIATE transactions and version-numbered migrations.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrLocked is returned when SQLite reports the database as locked. This is
// a recoverable condition: the loop retries on its next tick rather than
// crashing.
var ErrLocked = errors.New("database is locked")

// ErrMigrationNeeded is returned by EnsureValidDB when the on-disk schema
// version does not match the code's migrations.
var ErrMigrationNeeded = errors.New("database migration needed")

// Record is implemented by each persisted entity. Columns and Refs must be
// in the same order; Refs returns pointers whose types handle their own
// encoding (enums and JSON columns implement sql.Scanner/driver.Valuer).
type Record interface {
	TableName() string
	Columns() []string
	Refs() []any
}

type ptrRecord[T any] interface {
	*T
	Record
}

// Handle is the common query surface of *DB and *Tx, so every helper can be
// used both inside and outside a transaction.
type Handle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB wraps the SQLite connection. The process owning the DB is the single
// writer; other processes may read via WAL.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) a SQLite database at the given path and applies
// the standard pragmas. It does not create the schema; use EnsureDB.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection gives us the same serialised-writer behaviour as
	// the original single-process design, and makes BEGIN IMMEDIATE safe.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		// WAL lets operational tooling read the db while we write
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		// how long one write transaction waits for another (ms)
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-256000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.conn.ExecContext(ctx, query, args...)
	return res, wrapLocked(err)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	return rows, wrapLocked(err)
}

// Tx is a transaction handle started with BEGIN IMMEDIATE.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, wrapLocked(err)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	return rows, wrapLocked(err)
}

// dsn makes every connection begin its transactions with BEGIN IMMEDIATE,
// so write transactions take the write lock up front and cannot fail with a
// lock error at commit time.
func dsn(path string) string {
	if path == ":memory:" {
		return "file::memory:?_txlock=immediate"
	}
	if strings.Contains(path, "?") {
		return path + "&_txlock=immediate"
	}
	return path + "?_txlock=immediate"
}

// Transaction runs fn inside a write transaction. fn returning an error
// rolls everything back.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapLocked(err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapLocked(err)
	}
	return nil
}

func wrapLocked(err error) error {
	if err == nil {
		return nil
	}
	if IsLockedError(err) {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return err
}

// IsLockedError reports whether err is SQLite's "database is locked" (or
// "table is locked") busy condition, in whatever form the driver returned it.
func IsLockedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLocked) {
		return true
	}
	return strings.Contains(err.Error(), "locked")
}

// Migration is one schema change. Migrations are applied in version order,
// each in a transaction which also bumps PRAGMA user_version.
type Migration struct {
	Version int
	SQL     string
}

func schemaVersion(ctx context.Context, h Handle) (int, error) {
	rows, err := h.QueryContext(ctx, "PRAGMA user_version")
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var v int
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return 0, err
		}
	}
	return v, rows.Err()
}

func latestVersion(migrations []Migration) int {
	latest := 0
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest
}

// EnsureDB creates or migrates the schema, returning the versions applied.
func (db *DB) EnsureDB(ctx context.Context, migrations []Migration) ([]int, error) {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	var applied []int
	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d: %w", m.Version, err)
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", m.Version))
			return err
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// EnsureValidDB errors if the schema is missing or out of date. Services call
// this at startup; only the migrate command may change the schema.
func (db *DB) EnsureValidDB(ctx context.Context, migrations []Migration) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if latest := latestVersion(migrations); current != latest {
		return fmt.Errorf("%w: at version %d, want %d (run the migrate command)",
			ErrMigrationNeeded, current, latest)
	}
	return nil
}
