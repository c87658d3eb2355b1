package deltaengine

import (
	"context"
	"testing"
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/alfred-collector/usage-collector/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testThresholds() Thresholds {
	return Thresholds{FalseStartCostUSD: 10, FalseStartToleranceUSD: 0.1}
}

func flatPrice(_ context.Context, _ string, inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*0.000001 + float64(outputTokens)*0.000002
}

func report(totalReq, success, fail, totalTok int64, models map[string]upstream.ModelUsage) upstream.Report {
	return upstream.Report{
		TotalRequests: totalReq,
		SuccessCount:  success,
		FailureCount:  fail,
		TotalTokens:   totalTok,
		APIs:          map[string]upstream.APIUsage{"chat": {Models: models}},
	}
}

func modelUsage(reqs, tokens int64, input, output int64) upstream.ModelUsage {
	return upstream.ModelUsage{
		TotalRequests: reqs,
		TotalTokens:   tokens,
		Details:       []upstream.RequestDetail{{Tokens: upstream.TokenSplit{Input: input, Output: output}}},
	}
}

func prevStateFromResult(r Result) PrevState {
	snap := r.Snapshot
	return PrevState{Snapshot: &snap, ModelRows: r.ModelRows}
}

func TestApplyFirstPassTreatsCurrentAsDelta(t *testing.T) {
	rep := report(10, 9, 1, 1000, map[string]upstream.ModelUsage{
		"gpt-4o": modelUsage(10, 1000, 600, 400),
	})
	res := Apply(context.Background(), rep, PrevState{}, flatPrice, time.Now(), time.UTC, testThresholds(), zerolog.Nop())

	require.Equal(t, int64(10), res.BreakdownDelta.Models["gpt-4o"].Requests)
	require.Equal(t, int64(9), res.SuccessDelta)
	require.Equal(t, int64(1), res.FailureDelta)
	require.False(t, res.RestartDetected)
}

func TestApplyMonotoneAcrossPasses(t *testing.T) {
	loc := time.UTC
	now := time.Now()

	rep1 := report(10, 9, 1, 1000, map[string]upstream.ModelUsage{"gpt-4o": modelUsage(10, 1000, 600, 400)})
	res1 := Apply(context.Background(), rep1, PrevState{}, flatPrice, now, loc, testThresholds(), zerolog.Nop())

	rep2 := report(25, 23, 2, 2500, map[string]upstream.ModelUsage{"gpt-4o": modelUsage(25, 2500, 1500, 1000)})
	res2 := Apply(context.Background(), rep2, prevStateFromResult(res1), flatPrice, now.Add(time.Minute), loc, testThresholds(), zerolog.Nop())

	require.Equal(t, int64(15), res2.BreakdownDelta.Models["gpt-4o"].Requests)
	require.Equal(t, int64(14), res2.SuccessDelta)
	require.Equal(t, int64(1), res2.FailureDelta)
}

func TestApplySelfHealingSum(t *testing.T) {
	rep := report(30, 28, 2, 3000, map[string]upstream.ModelUsage{
		"gpt-4o":   modelUsage(20, 2000, 1200, 800),
		"claude-3": modelUsage(10, 1000, 600, 400),
	})
	res := Apply(context.Background(), rep, PrevState{}, flatPrice, time.Now(), time.UTC, testThresholds(), zerolog.Nop())

	var summedReq, summedTok int64
	var summedCost float64
	for _, mt := range res.BreakdownDelta.Models {
		summedReq += mt.Requests
		summedTok += mt.Tokens
		summedCost += mt.Cost
	}

	var snapCost float64
	for _, r := range res.ModelRows {
		snapCost += r.EstimatedCostUSD
	}
	require.InDelta(t, snapCost, summedCost, 1e-9)
	require.Equal(t, int64(30), summedReq)
	require.Equal(t, int64(3000), summedTok)
}

func TestApplyRestartRecoveryProducesNonNegativeDeltas(t *testing.T) {
	loc := time.UTC
	now := time.Now()

	rep1 := report(100000, 99000, 1000, 10_000_000, map[string]upstream.ModelUsage{
		"gpt-4o": modelUsage(100000, 10_000_000, 6_000_000, 4_000_000),
	})
	res1 := Apply(context.Background(), rep1, PrevState{}, flatPrice, now, loc, testThresholds(), zerolog.Nop())

	rep2 := report(50, 48, 2, 500, map[string]upstream.ModelUsage{
		"gpt-4o": modelUsage(50, 500, 300, 200),
	})
	res2 := Apply(context.Background(), rep2, prevStateFromResult(res1), flatPrice, now.Add(time.Minute), loc, testThresholds(), zerolog.Nop())

	require.True(t, res2.RestartDetected)
	require.Equal(t, int64(50), res2.BreakdownDelta.Models["gpt-4o"].Requests)
	require.GreaterOrEqual(t, res2.SuccessDelta, int64(0))
	require.GreaterOrEqual(t, res2.FailureDelta, int64(0))
}

func TestApplyFalseStartFilterSkipsNewlyReportedModel(t *testing.T) {
	loc := time.UTC
	now := time.Now()

	rep1 := report(10, 10, 0, 1000, map[string]upstream.ModelUsage{
		"gpt-4o": modelUsage(10, 1000, 600, 400),
	})
	res1 := Apply(context.Background(), rep1, PrevState{}, flatPrice, now, loc, testThresholds(), zerolog.Nop())

	// claude-3 appears for the first time with a large cumulative cost: its
	// entire current value would appear as the delta (a false start, not
	// real new usage), and must be filtered out of the breakdown.
	rep2 := report(15, 15, 0, 1000+11_000_000, map[string]upstream.ModelUsage{
		"gpt-4o":   modelUsage(10, 1000, 600, 400),
		"claude-3": modelUsage(5, 11_000_000, 6_000_000, 5_000_000),
	})
	res2 := Apply(context.Background(), rep2, prevStateFromResult(res1), flatPrice, now.Add(time.Minute), loc, testThresholds(), zerolog.Nop())

	_, present := res2.BreakdownDelta.Models["claude-3"]
	require.False(t, present)
	require.Contains(t, res2.SkippedModelKeys, "chat/claude-3")
}

func TestApplyNoDoubleCountingWhenReportUnchanged(t *testing.T) {
	loc := time.UTC
	now := time.Now()

	rep := report(10, 9, 1, 1000, map[string]upstream.ModelUsage{"gpt-4o": modelUsage(10, 1000, 600, 400)})
	res1 := Apply(context.Background(), rep, PrevState{}, flatPrice, now, loc, testThresholds(), zerolog.Nop())
	res2 := Apply(context.Background(), rep, prevStateFromResult(res1), flatPrice, now.Add(time.Minute), loc, testThresholds(), zerolog.Nop())

	require.Zero(t, res2.BreakdownDelta.Models["gpt-4o"].Requests)
	require.Zero(t, res2.SuccessDelta)
}

func TestEngineRunPersistsAcrossPasses(t *testing.T) {
	dbPath := t.TempDir() + "/collector.db"
	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	eng := New(s, flatPrice, time.UTC, testThresholds(), zerolog.Nop())

	rep1 := report(10, 9, 1, 1000, map[string]upstream.ModelUsage{"gpt-4o": modelUsage(10, 1000, 600, 400)})
	_, err = eng.Run(context.Background(), rep1, time.Now())
	require.NoError(t, err)

	rep2 := report(25, 23, 2, 2500, map[string]upstream.ModelUsage{"gpt-4o": modelUsage(25, 2500, 1500, 1000)})
	res2, err := eng.Run(context.Background(), rep2, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(15), res2.BreakdownDelta.Models["gpt-4o"].Requests)

	agg, found, err := s.DailyAggregateByDate(context.Background(), res2.Date)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(25), agg.TotalRequests)
}
