// Package store persists the task queue to an embedded SQLite database with
// write-ahead journaling. All statements are parameterized; schema migration
// is forward-only and additive column adds are guarded against
// "already exists" errors so the binary can be rolled forward safely.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the task table. A Store is safe for concurrent use; SQLite's
// WAL mode gives reader/writer concurrency and the driver is restricted to
// a single open connection since SQLite has exactly one writer anyway.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates and migrates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	// SQLite permits only one writer; a single connection avoids the
	// connection pool itself becoming a source of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tooling (verify scripts, backups).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			prompt                TEXT NOT NULL,
			project_path          TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			priority              TEXT NOT NULL DEFAULT 'medium',
			result                TEXT NOT NULL DEFAULT '',
			error                 TEXT NOT NULL DEFAULT '',
			error_type            TEXT NOT NULL DEFAULT '',
			session_id            TEXT NOT NULL DEFAULT '',
			iteration             INTEGER NOT NULL DEFAULT 0,
			max_iterations        INTEGER NOT NULL DEFAULT 10,
			retry_count           INTEGER NOT NULL DEFAULT 0,
			max_retries           INTEGER NOT NULL DEFAULT 3,
			retry_after           DATETIME,
			created_at            DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at            DATETIME,
			completed_at          DATETIME,
			created_by            TEXT NOT NULL DEFAULT '',
			source                TEXT NOT NULL DEFAULT '',
			depends_on            INTEGER REFERENCES tasks(id),
			progress_tool_calls   INTEGER NOT NULL DEFAULT 0,
			progress_last_tool    TEXT NOT NULL DEFAULT '',
			progress_last_message TEXT NOT NULL DEFAULT '',
			progress_updated_at   DATETIME
		);
	`); err != nil {
		return fmt.Errorf("store: create tasks: %w", err)
	}

	if err := addColumnIfMissing(ctx, tx, "tasks", "depends_on", "INTEGER REFERENCES tasks(id)"); err != nil {
		return err
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_retry_after ON tasks(retry_after);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_depends_on ON tasks(depends_on);`,
	} {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_migrations (version) VALUES (1);
	`); err != nil {
		return fmt.Errorf("store: record migration: %w", err)
	}

	return tx.Commit()
}

// addColumnIfMissing runs an additive ALTER TABLE, tolerating SQLite's
// "duplicate column name" error so migrations stay forward-only and
// idempotent across restarts on an already-migrated database.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, ddl string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, ddl))
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
		return fmt.Errorf("store: add column %s.%s: %w", table, column, err)
	}
	return nil
}

// retryOnBusy retries f with bounded exponential backoff and jitter when
// SQLite reports the database is busy or locked. This is transport-level
// contention handling between local writers, independent of the
// task-level error classifier and retry policy.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay - delay/4 + jitter):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// ErrNotFound is returned by single-row lookups that find nothing, mirroring
// the caller-facing contract of sql.ErrNoRows without leaking the sql package
// into callers outside store.
var ErrNotFound = errors.New("store: task not found")
