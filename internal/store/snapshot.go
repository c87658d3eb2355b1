package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertSnapshot writes a Snapshot and its ModelUsageRows in a single
// transaction and returns the snapshot's assigned ID. The Delta Engine
// computes rows.EstimatedCostUSD and snap.CumulativeCostUSD before calling
// this; the store itself does no pricing logic.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot, rows []ModelUsageRow) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	snapID, err := insertSnapshot(ctx, tx, snap, rows)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit snapshot tx: %w", err)
	}
	return snapID, nil
}

// insertSnapshot is the core of InsertSnapshot, run against any execer so it
// can commit on its own or share a caller-supplied transaction via Tx.
func insertSnapshot(ctx context.Context, ex execer, snap Snapshot, rows []ModelUsageRow) (int64, error) {
	// raw_payload is NOT NULL; a nil slice would bind as NULL, so store an
	// empty blob instead.
	payload := snap.RawPayload
	if payload == nil {
		payload = []byte{}
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO snapshots
			(captured_at, raw_payload, total_requests, success_count, failure_count, total_tokens, cumulative_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.CapturedAt, payload, snap.TotalRequests, snap.SuccessCount,
		snap.FailureCount, snap.TotalTokens, snap.CumulativeCostUSD,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert snapshot: %w", err)
	}
	snapID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: snapshot id: %w", err)
	}

	stmt, err := ex.PrepareContext(ctx, `
		INSERT INTO model_usage_rows
			(snapshot_id, endpoint, model, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare model row insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, snapID, r.Endpoint, r.Model, r.RequestCount,
			r.InputTokens, r.OutputTokens, r.TotalTokens, r.EstimatedCostUSD, snap.CapturedAt); err != nil {
			return 0, fmt.Errorf("store: insert model row (%s/%s): %w", r.Endpoint, r.Model, err)
		}
	}

	return snapID, nil
}

// LatestSnapshot returns the most recently captured snapshot, or
// (Snapshot{}, false, nil) if the store is empty.
func (s *Store) LatestSnapshot(ctx context.Context) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, captured_at, raw_payload, total_requests, success_count, failure_count, total_tokens, cumulative_cost_usd
		FROM snapshots ORDER BY captured_at DESC, id DESC LIMIT 1`)

	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.CapturedAt, &snap.RawPayload, &snap.TotalRequests,
		&snap.SuccessCount, &snap.FailureCount, &snap.TotalTokens, &snap.CumulativeCostUSD)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("store: latest snapshot: %w", err)
	}
	return snap, true, nil
}

// ModelUsageRowsForSnapshot returns every model-usage row recorded against
// a given snapshot ID, the previous pass's granular breakdown.
func (s *Store) ModelUsageRowsForSnapshot(ctx context.Context, snapshotID int64) ([]ModelUsageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, endpoint, model, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		FROM model_usage_rows WHERE snapshot_id = ?`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("store: model rows for snapshot: %w", err)
	}
	defer rows.Close()
	return scanModelUsageRows(rows)
}

// ModelUsageInRange returns model-usage rows captured within [from, to],
// optionally filtered to models whose name contains modelSubstring
// (SQLite LIKE substring match, case-insensitive for ASCII letters; empty
// string matches everything).
// desc selects DESC instead of the default ASC ordering by captured_at, and
// limit, if > 0, bounds the row count — letting callers that only need the
// latest row (or the most recent row before a cutoff) use the
// idx_model_usage_captured_at index instead of scanning the whole range.
func (s *Store) ModelUsageInRange(ctx context.Context, from, to time.Time, modelSubstring string, desc bool, limit int) ([]ModelUsageRow, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	query := `
		SELECT id, snapshot_id, endpoint, model, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd, captured_at
		FROM model_usage_rows
		WHERE captured_at >= ? AND captured_at <= ? AND model LIKE ?
		ORDER BY captured_at ` + order
	args := []any{from, to, "%" + modelSubstring + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: model usage in range: %w", err)
	}
	defer rows.Close()
	return scanModelUsageRows(rows)
}

func scanModelUsageRows(rows *sql.Rows) ([]ModelUsageRow, error) {
	var out []ModelUsageRow
	for rows.Next() {
		var r ModelUsageRow
		if err := rows.Scan(&r.ID, &r.SnapshotID, &r.Endpoint, &r.Model, &r.RequestCount,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.EstimatedCostUSD, &r.CapturedAt); err != nil {
			return nil, fmt.Errorf("store: scan model row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
