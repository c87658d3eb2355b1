package deltaengine

import (
	"context"
	"fmt"
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/alfred-collector/usage-collector/internal/upstream"
	"github.com/rs/zerolog"
)

// Engine drives one Delta Engine pass against the store: fetch previous
// state, run the pure Apply algorithm, then persist everything the pass
// produced. Failure semantics: any store error aborts the pass without a
// partial write; the next scheduled pass retries against a larger
// cumulative report and still produces a correct delta.
type Engine struct {
	store      *store.Store
	price      PriceFunc
	loc        *time.Location
	thresholds Thresholds
	log        zerolog.Logger
}

// New builds an Engine bound to a Store, a Pricing Oracle, the deployment's
// local-time offset, and the false-start thresholds from config.
func New(s *store.Store, price PriceFunc, loc *time.Location, th Thresholds, log zerolog.Logger) *Engine {
	return &Engine{store: s, price: price, loc: loc, thresholds: th, log: log.With().Str("component", "delta_engine").Logger()}
}

// Run executes one pass against report, captured at capturedAt, and
// returns the Result that was persisted.
func (e *Engine) Run(ctx context.Context, report upstream.Report, capturedAt time.Time) (Result, error) {
	prevSnap, hasPrev, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("deltaengine: load previous snapshot: %w", err)
	}

	prev := PrevState{}
	if hasPrev {
		prev.Snapshot = &prevSnap
		rows, err := e.store.ModelUsageRowsForSnapshot(ctx, prevSnap.ID)
		if err != nil {
			return Result{}, fmt.Errorf("deltaengine: load previous model rows: %w", err)
		}
		prev.ModelRows = rows
	}

	result := Apply(ctx, report, prev, e.price, capturedAt, e.loc, e.thresholds, e.log)

	err = e.store.RunPass(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertSnapshot(ctx, result.Snapshot, result.ModelRows); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if _, err := tx.MergeDailyAggregate(ctx, result.Date, result.BreakdownDelta); err != nil {
			return fmt.Errorf("merge daily aggregate: %w", err)
		}
		if err := tx.AddDailySuccessFailure(ctx, result.Date, result.SuccessDelta, result.FailureDelta); err != nil {
			return fmt.Errorf("add daily success/failure: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("deltaengine: persist pass: %w", err)
	}

	if len(result.SkippedModelKeys) > 0 {
		e.log.Info().Strs("skipped_keys", result.SkippedModelKeys).Msg("false-start filter dropped model keys this pass")
	}
	if result.RestartDetected {
		e.log.Warn().Str("date", result.Date).Msg("pass completed after upstream restart")
	}

	return result, nil
}
