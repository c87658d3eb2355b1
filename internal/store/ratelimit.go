package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateRateLimitConfig inserts a new budget configuration and returns its ID.
func (s *Store) CreateRateLimitConfig(ctx context.Context, c RateLimitConfig) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs (model_pattern, window_minutes, reset_strategy, token_limit, request_limit, reset_anchor_timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ModelPattern, c.WindowMinutes, c.ResetStrategy, c.TokenLimit, c.RequestLimit, c.ResetAnchorTimestamp)
	if err != nil {
		return 0, fmt.Errorf("store: create rate limit config: %w", err)
	}
	return res.LastInsertId()
}

// RateLimitConfigByID fetches a single config by ID.
func (s *Store) RateLimitConfigByID(ctx context.Context, id int64) (RateLimitConfig, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model_pattern, window_minutes, reset_strategy, token_limit, request_limit, reset_anchor_timestamp
		FROM rate_limit_configs WHERE id = ?`, id)
	c, err := scanRateLimitConfig(row)
	if err == sql.ErrNoRows {
		return RateLimitConfig{}, false, nil
	}
	if err != nil {
		return RateLimitConfig{}, false, fmt.Errorf("store: rate limit config by id: %w", err)
	}
	return c, true, nil
}

// ListRateLimitConfigs returns every configured budget.
func (s *Store) ListRateLimitConfigs(ctx context.Context) ([]RateLimitConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_pattern, window_minutes, reset_strategy, token_limit, request_limit, reset_anchor_timestamp
		FROM rate_limit_configs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list rate limit configs: %w", err)
	}
	defer rows.Close()

	var out []RateLimitConfig
	for rows.Next() {
		c, err := scanRateLimitConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rate limit config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateRateLimitConfig replaces a config's fields in place.
func (s *Store) UpdateRateLimitConfig(ctx context.Context, c RateLimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limit_configs
		SET model_pattern = ?, window_minutes = ?, reset_strategy = ?, token_limit = ?, request_limit = ?, reset_anchor_timestamp = ?
		WHERE id = ?`,
		c.ModelPattern, c.WindowMinutes, c.ResetStrategy, c.TokenLimit, c.RequestLimit, c.ResetAnchorTimestamp, c.ID)
	if err != nil {
		return fmt.Errorf("store: update rate limit config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update rate limit config rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRateLimitConfig removes a config and, via cascade, its status row.
func (s *Store) DeleteRateLimitConfig(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete rate limit config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete rate limit config rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertRateLimitStatus writes the current computed status for a config.
func (s *Store) UpsertRateLimitStatus(ctx context.Context, st RateLimitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_statuses
			(config_id, used_tokens, used_requests, remaining_tokens, remaining_requests, percentage, status_label, window_start, next_reset, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(config_id) DO UPDATE SET
			used_tokens        = excluded.used_tokens,
			used_requests      = excluded.used_requests,
			remaining_tokens   = excluded.remaining_tokens,
			remaining_requests = excluded.remaining_requests,
			percentage         = excluded.percentage,
			status_label       = excluded.status_label,
			window_start       = excluded.window_start,
			next_reset         = excluded.next_reset,
			last_updated       = excluded.last_updated`,
		st.ConfigID, st.UsedTokens, st.UsedRequests, st.RemainingTokens, st.RemainingRequests,
		st.Percentage, st.StatusLabel, st.WindowStart, st.NextReset, st.LastUpdated)
	if err != nil {
		return fmt.Errorf("store: upsert rate limit status: %w", err)
	}
	return nil
}

// RateLimitStatusByConfigID fetches the latest computed status for a config.
func (s *Store) RateLimitStatusByConfigID(ctx context.Context, configID int64) (RateLimitStatus, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT config_id, used_tokens, used_requests, remaining_tokens, remaining_requests, percentage, status_label, window_start, next_reset, last_updated
		FROM rate_limit_statuses WHERE config_id = ?`, configID)

	var st RateLimitStatus
	err := row.Scan(&st.ConfigID, &st.UsedTokens, &st.UsedRequests, &st.RemainingTokens, &st.RemainingRequests,
		&st.Percentage, &st.StatusLabel, &st.WindowStart, &st.NextReset, &st.LastUpdated)
	if err == sql.ErrNoRows {
		return RateLimitStatus{}, false, nil
	}
	if err != nil {
		return RateLimitStatus{}, false, fmt.Errorf("store: rate limit status by config id: %w", err)
	}
	return st, true, nil
}

// DeleteRateLimitStatus clears a config's computed status row. The manual
// reset does not use it: Reconciler.Reset overwrites the row through
// UpsertRateLimitStatus.
func (s *Store) DeleteRateLimitStatus(ctx context.Context, configID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_statuses WHERE config_id = ?`, configID)
	if err != nil {
		return fmt.Errorf("store: delete rate limit status: %w", err)
	}
	return nil
}

func scanRateLimitConfig(s scannable) (RateLimitConfig, error) {
	var c RateLimitConfig
	if err := s.Scan(&c.ID, &c.ModelPattern, &c.WindowMinutes, &c.ResetStrategy, &c.TokenLimit, &c.RequestLimit, &c.ResetAnchorTimestamp); err != nil {
		return RateLimitConfig{}, err
	}
	return c, nil
}
