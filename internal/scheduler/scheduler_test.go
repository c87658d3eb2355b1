package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfred-collector/usage-collector/internal/deltaengine"
	"github.com/alfred-collector/usage-collector/internal/reconciler"
	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/alfred-collector/usage-collector/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testReportServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_, _ = w.Write([]byte(`{
			"total_requests": 10, "success_count": 9, "failure_count": 1, "total_tokens": 1000,
			"apis": {"chat": {"models": {"gpt-4o": {"total_requests": 10, "total_tokens": 1000,
				"details": [{"tokens":{"input":600,"output":400}}]}}}}
		}`))
	}))
}

func testCoordinator(t *testing.T, srv *httptest.Server) *Coordinator {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/collector.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	client := upstream.NewClient(srv.URL, "")
	price := func(_ context.Context, _ string, in, out int64) float64 {
		return float64(in)*0.000001 + float64(out)*0.000002
	}
	engine := deltaengine.New(s, price, time.UTC, deltaengine.Thresholds{FalseStartCostUSD: 10, FalseStartToleranceUSD: 0.1}, zerolog.Nop())
	rec := reconciler.New(s, time.UTC, 100000, 100, 30*time.Minute, zerolog.Nop())
	return New(client, engine, rec, time.Hour, zerolog.Nop())
}

func TestCoordinatorRunsImmediatelyOnStart(t *testing.T) {
	var hits int32
	srv := testReportServer(t, &hits)
	defer srv.Close()

	c := testCoordinator(t, srv)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) >= 1 }, time.Second, 10*time.Millisecond)
}

func TestCoordinatorTriggerCoalescesWhileInFlight(t *testing.T) {
	var hits int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"total_requests":0,"success_count":0,"failure_count":0,"total_tokens":0,"apis":{}}`))
	}))
	defer slow.Close()

	c := testCoordinator(t, slow)
	started := c.Trigger(context.Background())
	require.True(t, started)

	coalesced := c.Trigger(context.Background())
	require.False(t, coalesced)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 1 }, 500*time.Millisecond, 10*time.Millisecond)
}

func TestCoordinatorStopWaitsForLoopExit(t *testing.T) {
	var hits int32
	srv := testReportServer(t, &hits)
	defer srv.Close()

	c := testCoordinator(t, srv)
	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	at, err := c.LastPass()
	require.NoError(t, err)
	require.False(t, at.IsZero())
}
