package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertSnapshotAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.False(t, found)

	now := time.Now().UTC().Truncate(time.Second)
	id, err := s.InsertSnapshot(ctx, Snapshot{
		CapturedAt:        now,
		RawPayload:        []byte(`{}`),
		TotalRequests:     100,
		SuccessCount:      95,
		FailureCount:      5,
		TotalTokens:       1000,
		CumulativeCostUSD: 1.23,
	}, []ModelUsageRow{
		{Endpoint: "chat", Model: "gpt-4o", RequestCount: 60, InputTokens: 400, OutputTokens: 200, TotalTokens: 600, EstimatedCostUSD: 0.9},
		{Endpoint: "chat", Model: "claude-3", RequestCount: 40, InputTokens: 250, OutputTokens: 150, TotalTokens: 400, EstimatedCostUSD: 0.33},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	latest, ok, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, latest.ID)
	require.Equal(t, int64(100), latest.TotalRequests)

	rows, err := s.ModelUsageRowsForSnapshot(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestMergeDailyAggregateIsSelfHealing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := "2026-07-31"

	first := Breakdown{
		Models: map[string]ModelTotals{
			"gpt-4o": {Requests: 10, Tokens: 100, Cost: 1.0},
		},
		Endpoints: map[string]EndpointTotals{
			"chat": {Requests: 10, Tokens: 100, Cost: 1.0, Models: map[string]ModelTotals{"gpt-4o": {Requests: 10, Tokens: 100, Cost: 1.0}}},
		},
	}
	agg, err := s.MergeDailyAggregate(ctx, date, first)
	require.NoError(t, err)
	require.Equal(t, int64(10), agg.TotalRequests)
	require.InDelta(t, 1.0, agg.TotalCostUSD, 1e-9)

	second := Breakdown{
		Models: map[string]ModelTotals{
			"gpt-4o":   {Requests: 5, Tokens: 50, Cost: 0.5},
			"claude-3": {Requests: 2, Tokens: 20, Cost: 0.2},
		},
	}
	agg, err = s.MergeDailyAggregate(ctx, date, second)
	require.NoError(t, err)
	require.Equal(t, int64(17), agg.TotalRequests)
	require.Equal(t, int64(170), agg.TotalTokens)
	require.InDelta(t, 1.7, agg.TotalCostUSD, 1e-9)
	require.Equal(t, int64(15), agg.Breakdown.Models["gpt-4o"].Requests)

	require.NoError(t, s.AddDailySuccessFailure(ctx, date, 16, 1))
	fetched, found, err := s.DailyAggregateByDate(ctx, date)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(16), fetched.SuccessCount)
	require.Equal(t, int64(1), fetched.FailureCount)
	require.Equal(t, int64(17), fetched.TotalRequests)
}

func TestRateLimitConfigCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRateLimitConfig(ctx, RateLimitConfig{
		ModelPattern:  "gpt-4",
		WindowMinutes: 1440,
		ResetStrategy: ResetDaily,
		TokenLimit:    1_000_000,
		RequestLimit:  10_000,
	})
	require.NoError(t, err)

	cfg, ok, err := s.RateLimitConfigByID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gpt-4", cfg.ModelPattern)

	cfg.TokenLimit = 2_000_000
	require.NoError(t, s.UpdateRateLimitConfig(ctx, cfg))

	updated, _, err := s.RateLimitConfigByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(2_000_000), updated.TokenLimit)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertRateLimitStatus(ctx, RateLimitStatus{
		ConfigID:        id,
		UsedTokens:      500,
		RemainingTokens: 1_999_500,
		Percentage:      99,
		StatusLabel:     "ok",
		WindowStart:     now,
		LastUpdated:     now,
	}))

	status, ok, err := s.RateLimitStatusByConfigID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(500), status.UsedTokens)

	require.NoError(t, s.DeleteRateLimitConfig(ctx, id))
	_, ok, err = s.RateLimitConfigByID(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	err = s.UpdateRateLimitConfig(ctx, cfg)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRateLimitConfigs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, pattern := range []string{"gpt-4", "claude-3", "gemini"} {
		_, err := s.CreateRateLimitConfig(ctx, RateLimitConfig{
			ModelPattern:  pattern,
			WindowMinutes: 60,
			ResetStrategy: ResetRolling,
		})
		require.NoError(t, err)
	}

	list, err := s.ListRateLimitConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
}
