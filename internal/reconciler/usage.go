package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
)

// DefaultGapThreshold is the idle-gap boundary past which a synthetic
// baseline is interpolated instead of trusting the first in-window
// snapshot outright, used when a Reconciler is built without an explicit
// override.
const DefaultGapThreshold = 30 * time.Minute

// modelCounters is a (tokens, requests) pair aggregated from ModelUsageRows
// captured at one timestamp, keyed by model name.
type modelCounters map[string]struct {
	Tokens   int64
	Requests int64
}

// usageResult is the summed, restart- and false-start-corrected usage for
// a config's window.
type usageResult struct {
	Tokens   int64
	Requests int64
}

// boundaryRows finds the single most extreme captured_at timestamp within
// [from, to] — the most recent one if desc is true, the earliest one
// otherwise — using a bounded DESC/ASC LIMIT 1 probe against the
// captured_at index, then fetches every row recorded at that exact
// timestamp (a pass writes one row per model, all sharing one captured_at).
func boundaryRows(ctx context.Context, s *store.Store, pattern string, from, to time.Time, desc bool) ([]store.ModelUsageRow, time.Time, bool, error) {
	probe, err := s.ModelUsageInRange(ctx, from, to, pattern, desc, 1)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if len(probe) == 0 {
		return nil, time.Time{}, false, nil
	}
	t := probe[0].CapturedAt
	rows, err := s.ModelUsageInRange(ctx, t, t, pattern, false, 0)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	return rows, t, true, nil
}

// computeUsage implements step 3: find baseline/first-inner rows, apply
// gap interpolation if needed, diff models between baseline and current,
// and sum surviving non-negative deltas. Each of the three boundary lookups
// (latest, baseline, first-inner) is a bounded DESC/ASC LIMIT 1 query rather
// than a full epoch-to-now scan, so a pass's cost stays flat as history grows.
func computeUsage(ctx context.Context, s *store.Store, cfg store.RateLimitConfig, window Window, now time.Time, tokenFalseStartThreshold int64, tokenFalseStartTolerance int64, gapThreshold time.Duration) (usageResult, error) {
	if gapThreshold <= 0 {
		gapThreshold = DefaultGapThreshold
	}
	pattern := patternFor(cfg.ModelPattern)

	currRows, latestRowTime, haveLatest, err := boundaryRows(ctx, s, pattern, time.Time{}, now, true)
	if err != nil {
		return usageResult{}, err
	}
	if !haveLatest || latestRowTime.Before(window.Start) {
		return usageResult{}, nil
	}

	baselineRows, baselineTime, haveBaseline, err := boundaryRows(ctx, s, pattern, time.Time{}, window.Start.Add(-time.Nanosecond), true)
	if err != nil {
		return usageResult{}, err
	}

	firstInnerRows, firstInnerTime, haveFirstInner, err := boundaryRows(ctx, s, pattern, window.Start, now, false)
	if err != nil {
		return usageResult{}, err
	}

	currMap := toModelCounters(currRows)

	var baselineMap modelCounters
	switch {
	case !haveBaseline && haveFirstInner:
		// scraping started inside the window: use first-inner as baseline.
		baselineMap = toModelCounters(firstInnerRows)
	case haveBaseline && haveFirstInner && firstInnerTime.Sub(baselineTime) > gapThreshold:
		ratio := window.Start.Sub(baselineTime).Seconds() / firstInnerTime.Sub(baselineTime).Seconds()
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		baselineMap = interpolate(toModelCounters(baselineRows), toModelCounters(firstInnerRows), ratio)
	case haveBaseline:
		baselineMap = toModelCounters(baselineRows)
	default:
		baselineMap = modelCounters{}
	}

	var result usageResult
	for model, curr := range currMap {
		base := baselineMap[model]
		dTokens := curr.Tokens - base.Tokens
		dRequests := curr.Requests - base.Requests

		if dTokens < 0 || dRequests < 0 {
			dTokens, dRequests = curr.Tokens, curr.Requests
		}

		if base.Tokens == 0 && base.Requests == 0 &&
			dTokens > tokenFalseStartThreshold && absInt64(dTokens-curr.Tokens) < tokenFalseStartTolerance {
			continue
		}

		if dTokens > 0 || dRequests > 0 {
			result.Tokens += dTokens
			result.Requests += dRequests
		}
	}
	return result, nil
}

func patternFor(modelPattern string) string {
	return strings.TrimSpace(modelPattern)
}

func toModelCounters(rows []store.ModelUsageRow) modelCounters {
	m := make(modelCounters, len(rows))
	for _, r := range rows {
		c := m[r.Model]
		c.Tokens += r.TotalTokens
		c.Requests += r.RequestCount
		m[r.Model] = c
	}
	return m
}

// interpolate computes a synthetic baseline at the window start, linearly
// interpolating each model's counters between the real baseline and the
// first in-window snapshot.
func interpolate(baseline, firstInner modelCounters, ratio float64) modelCounters {
	out := make(modelCounters, len(firstInner))
	for model, inner := range firstInner {
		base := baseline[model]
		out[model] = struct {
			Tokens   int64
			Requests int64
		}{
			Tokens:   base.Tokens + int64(float64(inner.Tokens-base.Tokens)*ratio),
			Requests: base.Requests + int64(float64(inner.Requests-base.Requests)*ratio),
		}
	}
	for model, base := range baseline {
		if _, ok := out[model]; !ok {
			out[model] = base
		}
	}
	return out
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
