package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alfred-collector/usage-collector/internal/observability"
	"github.com/alfred-collector/usage-collector/internal/statuscache"
	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/rs/zerolog"
)

// Reconciler computes and writes RateLimitStatus rows, one config at a
// time, isolating per-config failures so one bad config never blocks the
// rest of the pass.
type Reconciler struct {
	store                    *store.Store
	cache                    *statuscache.Cache
	metrics                  *observability.Metrics
	loc                      *time.Location
	tokenFalseStartThreshold int64
	tokenFalseStartTolerance int64
	gapThreshold             time.Duration
	log                      zerolog.Logger
}

// WithCache attaches an optional status-cache accelerator. Passing nil is
// fine: a nil *Cache already behaves as an always-miss cache.
func (r *Reconciler) WithCache(c *statuscache.Cache) *Reconciler {
	r.cache = c
	return r
}

// WithMetrics attaches a Prometheus metrics sink. Passing nil disables
// recording without requiring a nil check at every call site.
func (r *Reconciler) WithMetrics(m *observability.Metrics) *Reconciler {
	r.metrics = m
	return r
}

// New builds a Reconciler bound to a Store and the deployment's local-time
// offset and false-start token thresholds. gapThreshold <= 0 falls back to
// DefaultGapThreshold.
func New(s *store.Store, loc *time.Location, tokenFalseStartThreshold, tokenFalseStartTolerance int64, gapThreshold time.Duration, log zerolog.Logger) *Reconciler {
	if gapThreshold <= 0 {
		gapThreshold = DefaultGapThreshold
	}
	return &Reconciler{
		store:                    s,
		loc:                      loc,
		tokenFalseStartThreshold: tokenFalseStartThreshold,
		tokenFalseStartTolerance: tokenFalseStartTolerance,
		gapThreshold:             gapThreshold,
		log:                      log.With().Str("component", "reconciler").Logger(),
	}
}

// Run reconciles every configured rate limit against the current store
// state. Individual config failures are logged and skipped and do not fail
// the pass; an error is returned only when the config list cannot be loaded.
func (r *Reconciler) Run(ctx context.Context) error {
	configs, err := r.store.ListRateLimitConfigs(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list configs: %w", err)
	}

	now := time.Now().In(r.loc)
	for _, cfg := range configs {
		if err := r.reconcileOne(ctx, cfg, now); err != nil {
			r.log.Error().Int64("config_id", cfg.ID).Err(err).Msg("reconciler: config failed, continuing")
			if r.metrics != nil {
				r.metrics.ReconcilerErrorsTotal.WithLabelValues(strconv.FormatInt(cfg.ID, 10)).Inc()
			}
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, cfg store.RateLimitConfig, now time.Time) error {
	window := computeWindow(cfg, now)

	usage, err := computeUsage(ctx, r.store, cfg, window, now, r.tokenFalseStartThreshold, r.tokenFalseStartTolerance, r.gapThreshold)
	if err != nil {
		return fmt.Errorf("compute usage: %w", err)
	}

	status := buildStatus(cfg, usage, window, now)
	if err := r.store.UpsertRateLimitStatus(ctx, status); err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	r.cache.Set(ctx, status)
	return nil
}

// buildStatus implements step 4: remaining = max(0, limit - used);
// percentage prefers the token dimension when a token limit is declared.
func buildStatus(cfg store.RateLimitConfig, usage usageResult, window Window, now time.Time) store.RateLimitStatus {
	st := store.RateLimitStatus{
		ConfigID:     cfg.ID,
		UsedTokens:   usage.Tokens,
		UsedRequests: usage.Requests,
		WindowStart:  window.Start,
		NextReset:    window.NextReset,
		LastUpdated:  now,
	}

	if cfg.TokenLimit > 0 {
		st.RemainingTokens = maxInt64(0, cfg.TokenLimit-usage.Tokens)
		st.Percentage = clampPercent(floorPercent(st.RemainingTokens, cfg.TokenLimit))
		st.StatusLabel = labelFor(st.Percentage)
	} else if cfg.RequestLimit > 0 {
		st.RemainingRequests = maxInt64(0, cfg.RequestLimit-usage.Requests)
		st.Percentage = clampPercent(floorPercent(st.RemainingRequests, cfg.RequestLimit))
		st.StatusLabel = labelFor(st.Percentage)
	} else {
		st.Percentage = 100
		st.StatusLabel = "unenforced"
	}

	if cfg.RequestLimit > 0 {
		st.RemainingRequests = maxInt64(0, cfg.RequestLimit-usage.Requests)
	}
	if cfg.TokenLimit > 0 {
		st.RemainingTokens = maxInt64(0, cfg.TokenLimit-usage.Tokens)
	}

	return st
}

func floorPercent(remaining, limit int64) int {
	if limit <= 0 {
		return 100
	}
	return int((remaining * 100) / limit)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func labelFor(percentage int) string {
	switch {
	case percentage <= 0:
		return "exhausted"
	case percentage < 10:
		return "critical"
	case percentage < 25:
		return "warning"
	default:
		return "ok"
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
