// Package store implements the collector's single-writer, many-reader
// relational persistence layer over a local SQLite file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the collector's relational database handle. All mutating
// operations are serialised through mu to enforce a single-writer model
// even though database/sql itself permits concurrent writers; WAL
// journaling mode still lets reads proceed uncontended.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if necessary) and migrates the SQLite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at         DATETIME NOT NULL,
			raw_payload         BLOB NOT NULL,
			total_requests      INTEGER NOT NULL DEFAULT 0,
			success_count       INTEGER NOT NULL DEFAULT 0,
			failure_count       INTEGER NOT NULL DEFAULT 0,
			total_tokens        INTEGER NOT NULL DEFAULT 0,
			cumulative_cost_usd REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_captured_at ON snapshots(captured_at DESC);

		CREATE TABLE IF NOT EXISTS model_usage_rows (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			snapshot_id        INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			endpoint           TEXT NOT NULL,
			model              TEXT NOT NULL,
			request_count      INTEGER NOT NULL DEFAULT 0,
			input_tokens       INTEGER NOT NULL DEFAULT 0,
			output_tokens      INTEGER NOT NULL DEFAULT 0,
			total_tokens       INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0,
			captured_at        DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_model_usage_captured_at ON model_usage_rows(captured_at DESC);
		CREATE INDEX IF NOT EXISTS idx_model_usage_model ON model_usage_rows(model);

		CREATE TABLE IF NOT EXISTS daily_aggregates (
			date                TEXT PRIMARY KEY,
			total_requests      INTEGER NOT NULL DEFAULT 0,
			success_count       INTEGER NOT NULL DEFAULT 0,
			failure_count       INTEGER NOT NULL DEFAULT 0,
			total_tokens        INTEGER NOT NULL DEFAULT 0,
			total_cost_usd      REAL NOT NULL DEFAULT 0,
			breakdown           TEXT NOT NULL DEFAULT '{"models":{},"endpoints":{}}'
		);

		CREATE TABLE IF NOT EXISTS rate_limit_configs (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			model_pattern          TEXT NOT NULL,
			window_minutes         INTEGER NOT NULL,
			reset_strategy         TEXT NOT NULL,
			token_limit            INTEGER NOT NULL DEFAULT 0,
			request_limit          INTEGER NOT NULL DEFAULT 0,
			reset_anchor_timestamp DATETIME
		);

		CREATE TABLE IF NOT EXISTS rate_limit_statuses (
			config_id          INTEGER PRIMARY KEY REFERENCES rate_limit_configs(id) ON DELETE CASCADE,
			used_tokens        INTEGER NOT NULL DEFAULT 0,
			used_requests      INTEGER NOT NULL DEFAULT 0,
			remaining_tokens   INTEGER NOT NULL DEFAULT 0,
			remaining_requests INTEGER NOT NULL DEFAULT 0,
			percentage         INTEGER NOT NULL DEFAULT 100,
			status_label       TEXT NOT NULL DEFAULT '',
			window_start       DATETIME NOT NULL,
			next_reset         DATETIME,
			last_updated       DATETIME NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rate_limit_statuses_config ON rate_limit_statuses(config_id);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// execer is the subset of *sql.DB / *sql.Tx that the package's core write
// and read helpers need, letting the same SQL logic run either standalone
// (one call, one implicit transaction) or scoped to a caller-supplied Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Tx scopes a pass's writes to a single caller-supplied transaction, so a
// failure partway through (e.g. the daily merge, after the snapshot insert
// already succeeded) rolls back everything the pass has written so far
// instead of leaving a partially-applied pass committed.
type Tx struct {
	tx *sql.Tx
}

// InsertSnapshot is the Tx-scoped equivalent of Store.InsertSnapshot.
func (t *Tx) InsertSnapshot(ctx context.Context, snap Snapshot, rows []ModelUsageRow) (int64, error) {
	return insertSnapshot(ctx, t.tx, snap, rows)
}

// MergeDailyAggregate is the Tx-scoped equivalent of Store.MergeDailyAggregate.
func (t *Tx) MergeDailyAggregate(ctx context.Context, date string, delta Breakdown) (DailyAggregate, error) {
	return mergeDailyAggregate(ctx, t.tx, date, delta)
}

// AddDailySuccessFailure is the Tx-scoped equivalent of Store.AddDailySuccessFailure.
func (t *Tx) AddDailySuccessFailure(ctx context.Context, date string, successDelta, failureDelta int64) error {
	return addDailySuccessFailure(ctx, t.tx, date, successDelta, failureDelta)
}

// RunPass runs fn inside a single transaction owned by the Store, committing
// only if fn returns nil. A Delta Engine pass writes a snapshot, merges the
// day's breakdown, and bumps success/failure counts through the *Tx handed
// to fn; any one of those failing rolls back the other two as well, so a
// half-applied pass is never visible to the next one.
func (s *Store) RunPass(ctx context.Context, fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin pass tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit pass tx: %w", err)
	}
	return nil
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB; queries run on it directly do not
// take the write mutex.
func (s *Store) DB() *sql.DB {
	return s.db
}
