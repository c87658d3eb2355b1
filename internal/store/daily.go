package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// MergeDailyAggregate deep-merges delta into the existing daily aggregate
// row for date (creating one if absent), then recomputes the row's
// top-level totals by summing the merged breakdown. This recompute is
// what makes a day's totals self-healing: any past write that only
// updated part of the breakdown still leaves the top-level numbers
// consistent with it.
func (s *Store) MergeDailyAggregate(ctx context.Context, date string, delta Breakdown) (DailyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("store: begin daily tx: %w", err)
	}
	defer tx.Rollback()

	agg, err := mergeDailyAggregate(ctx, tx, date, delta)
	if err != nil {
		return DailyAggregate{}, err
	}

	if err := tx.Commit(); err != nil {
		return DailyAggregate{}, fmt.Errorf("store: commit daily tx: %w", err)
	}
	return agg, nil
}

// mergeDailyAggregate is the core of MergeDailyAggregate, run against any
// execer so it can commit on its own or share a caller-supplied transaction.
func mergeDailyAggregate(ctx context.Context, ex execer, date string, delta Breakdown) (DailyAggregate, error) {
	existing, found, err := queryDailyAggregate(ctx, ex, date)
	if err != nil {
		return DailyAggregate{}, err
	}
	if !found {
		existing = DailyAggregate{Date: date, Breakdown: NewBreakdown()}
	}

	merged := mergeBreakdown(existing.Breakdown, delta)
	totals := recomputeTotals(merged)
	// success/failure counts aren't carried in the breakdown document; they're
	// tracked separately via AddDailySuccessFailure, so they pass through here.
	agg := DailyAggregate{
		Date:          date,
		TotalRequests: totals.Requests,
		SuccessCount:  existing.SuccessCount,
		FailureCount:  existing.FailureCount,
		TotalTokens:   totals.Tokens,
		TotalCostUSD:  totals.Cost,
		Breakdown:     merged,
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("store: marshal breakdown: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO daily_aggregates (date, total_requests, success_count, failure_count, total_tokens, total_cost_usd, breakdown)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_requests = excluded.total_requests,
			total_tokens    = excluded.total_tokens,
			total_cost_usd  = excluded.total_cost_usd,
			breakdown       = excluded.breakdown`,
		agg.Date, agg.TotalRequests, agg.SuccessCount, agg.FailureCount, agg.TotalTokens, agg.TotalCostUSD, string(payload))
	if err != nil {
		return DailyAggregate{}, fmt.Errorf("store: upsert daily aggregate: %w", err)
	}

	return agg, nil
}

// AddDailySuccessFailure bumps a day's request-outcome counters directly;
// these come from the Delta Engine's reconciled global delta, not from the
// breakdown document, so they're applied as a separate additive step.
func (s *Store) AddDailySuccessFailure(ctx context.Context, date string, successDelta, failureDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return addDailySuccessFailure(ctx, s.db, date, successDelta, failureDelta)
}

func addDailySuccessFailure(ctx context.Context, ex execer, date string, successDelta, failureDelta int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO daily_aggregates (date, success_count, failure_count, breakdown)
		VALUES (?, ?, ?, '{"models":{},"endpoints":{}}')
		ON CONFLICT(date) DO UPDATE SET
			success_count = success_count + excluded.success_count,
			failure_count = failure_count + excluded.failure_count`,
		date, successDelta, failureDelta)
	if err != nil {
		return fmt.Errorf("store: add daily success/failure: %w", err)
	}
	return nil
}

// DailyAggregateByDate returns the aggregate for a single date.
func (s *Store) DailyAggregateByDate(ctx context.Context, date string) (DailyAggregate, bool, error) {
	return queryDailyAggregate(ctx, s.db, date)
}

// DailyAggregatesInRange returns aggregates for dates in [fromDate, toDate]
// (both YYYY-MM-DD, inclusive), ordered ascending.
func (s *Store) DailyAggregatesInRange(ctx context.Context, fromDate, toDate string) ([]DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total_requests, success_count, failure_count, total_tokens, total_cost_usd, breakdown
		FROM daily_aggregates WHERE date >= ? AND date <= ? ORDER BY date ASC`, fromDate, toDate)
	if err != nil {
		return nil, fmt.Errorf("store: daily aggregates in range: %w", err)
	}
	defer rows.Close()

	var out []DailyAggregate
	for rows.Next() {
		agg, err := scanDailyAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryDailyAggregate(ctx context.Context, q querier, date string) (DailyAggregate, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT date, total_requests, success_count, failure_count, total_tokens, total_cost_usd, breakdown
		FROM daily_aggregates WHERE date = ?`, date)

	agg, err := scanDailyAggregate(row)
	if err == sql.ErrNoRows {
		return DailyAggregate{}, false, nil
	}
	if err != nil {
		return DailyAggregate{}, false, fmt.Errorf("store: query daily aggregate: %w", err)
	}
	return agg, true, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDailyAggregate(s scannable) (DailyAggregate, error) {
	var agg DailyAggregate
	var breakdownJSON string
	if err := s.Scan(&agg.Date, &agg.TotalRequests, &agg.SuccessCount, &agg.FailureCount,
		&agg.TotalTokens, &agg.TotalCostUSD, &breakdownJSON); err != nil {
		return DailyAggregate{}, err
	}
	var bd Breakdown
	if err := json.Unmarshal([]byte(breakdownJSON), &bd); err != nil {
		return DailyAggregate{}, fmt.Errorf("store: unmarshal breakdown: %w", err)
	}
	if bd.Models == nil {
		bd.Models = make(map[string]ModelTotals)
	}
	if bd.Endpoints == nil {
		bd.Endpoints = make(map[string]EndpointTotals)
	}
	agg.Breakdown = bd
	return agg, nil
}

// mergeBreakdown adds delta's counters into base's, keyed by model/endpoint,
// without mutating either argument.
func mergeBreakdown(base, delta Breakdown) Breakdown {
	out := NewBreakdown()
	for k, v := range base.Models {
		out.Models[k] = v
	}
	for k, v := range delta.Models {
		cur := out.Models[k]
		cur.Requests += v.Requests
		cur.Tokens += v.Tokens
		cur.Cost += v.Cost
		cur.InputTokens += v.InputTokens
		cur.OutputTokens += v.OutputTokens
		out.Models[k] = cur
	}

	for k, v := range base.Endpoints {
		copied := v
		copied.Models = make(map[string]ModelTotals, len(v.Models))
		for mk, mv := range v.Models {
			copied.Models[mk] = mv
		}
		out.Endpoints[k] = copied
	}
	for k, v := range delta.Endpoints {
		cur, ok := out.Endpoints[k]
		if !ok {
			cur = EndpointTotals{Models: make(map[string]ModelTotals)}
		}
		cur.Requests += v.Requests
		cur.Tokens += v.Tokens
		cur.Cost += v.Cost
		for mk, mv := range v.Models {
			m := cur.Models[mk]
			m.Requests += mv.Requests
			m.Tokens += mv.Tokens
			m.Cost += mv.Cost
			m.InputTokens += mv.InputTokens
			m.OutputTokens += mv.OutputTokens
			cur.Models[mk] = m
		}
		out.Endpoints[k] = cur
	}
	return out
}

type aggregateTotals struct {
	Requests int64
	Tokens   int64
	Cost     float64
}

// recomputeTotals sums a breakdown's model totals to produce the
// top-level (requests, tokens, cost) figures. Models, not endpoints, are
// the summation source: an endpoint's own totals are a denormalised copy
// of the same underlying model counts, so summing both would double count.
func recomputeTotals(bd Breakdown) aggregateTotals {
	var t aggregateTotals
	for _, m := range bd.Models {
		t.Requests += m.Requests
		t.Tokens += m.Tokens
		t.Cost += m.Cost
	}
	return t
}
