package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/collector.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertRow(t *testing.T, s *store.Store, capturedAt time.Time, model string, requests, tokens int64) {
	t.Helper()
	_, err := s.InsertSnapshot(context.Background(), store.Snapshot{
		CapturedAt:    capturedAt,
		TotalRequests: requests,
		TotalTokens:   tokens,
	}, []store.ModelUsageRow{
		{Endpoint: "chat", Model: model, RequestCount: requests, TotalTokens: tokens, CapturedAt: capturedAt},
	})
	require.NoError(t, err)
}

func TestWindowBoundaryDailyResetsAtMidnight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRateLimitConfig(ctx, store.RateLimitConfig{
		ModelPattern: "gpt-4o", WindowMinutes: 1440, ResetStrategy: store.ResetDaily, TokenLimit: 1_000_000,
	})
	require.NoError(t, err)

	yesterday := time.Date(2026, 7, 30, 23, 59, 0, 0, time.UTC)
	insertRow(t, s, yesterday, "gpt-4o", 900, 9000)

	now := time.Date(2026, 7, 31, 0, 5, 0, 0, time.UTC)
	cfg, _, err := s.RateLimitConfigByID(ctx, id)
	require.NoError(t, err)

	r := New(s, time.UTC, 100000, 100, 30*time.Minute, zerolog.Nop())
	require.NoError(t, r.reconcileOne(ctx, cfg, now))
	status, found, err := s.RateLimitStatusByConfigID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(0), status.UsedTokens)
}

func TestGapInterpolationBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRateLimitConfig(ctx, store.RateLimitConfig{
		ModelPattern: "gpt-4o", WindowMinutes: 60, ResetStrategy: store.ResetRolling, TokenLimit: 1_000_000,
	})
	require.NoError(t, err)

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	windowStart := now.Add(-60 * time.Minute)
	baselineTime := windowStart.Add(-2 * time.Hour)
	firstInnerTime := windowStart.Add(30 * time.Minute)

	insertRow(t, s, baselineTime, "gpt-4o", 100, 1000)
	insertRow(t, s, firstInnerTime, "gpt-4o", 200, 2000)
	insertRow(t, s, now, "gpt-4o", 260, 2600)

	cfg, _, err := s.RateLimitConfigByID(ctx, id)
	require.NoError(t, err)
	window := computeWindow(cfg, now)

	usage, err := computeUsage(ctx, s, cfg, window, now, 100000, 100, 30*time.Minute)
	require.NoError(t, err)

	ratio := 2.0 / 2.5
	interpolatedTokens := 1000.0 + (2000.0-1000.0)*ratio
	expected := 2600 - int64(interpolatedTokens)
	require.Equal(t, expected, usage.Tokens)
}

func TestResetAnchorTakesEffect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRateLimitConfig(ctx, store.RateLimitConfig{
		ModelPattern: "gpt-4o", WindowMinutes: 1440, ResetStrategy: store.ResetDaily, TokenLimit: 1_000_000,
	})
	require.NoError(t, err)

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	insertRow(t, s, now.Add(-1*time.Hour), "gpt-4o", 9000, 90000)

	r := New(s, time.UTC, 100000, 100, 30*time.Minute, zerolog.Nop())
	status, err := r.Reset(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(0), status.UsedTokens)
	require.Equal(t, 100, status.Percentage)

	require.NoError(t, r.Run(ctx))
	after, found, err := s.RateLimitStatusByConfigID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(0), after.UsedTokens)
	require.Equal(t, 100, after.Percentage)
}

func TestResetUnknownConfigReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	r := New(s, time.UTC, 100000, 100, 30*time.Minute, zerolog.Nop())
	_, err := r.Reset(context.Background(), 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}
