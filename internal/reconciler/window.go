// Package reconciler computes, per configured rate limit, the usage
// observed inside its current window and writes a fresh RateLimitStatus.
package reconciler

import (
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
)

// Window is the computed [start, nextReset) bounds for one RateLimitConfig
// pass, after applying any reset-anchor override.
type Window struct {
	Start     time.Time
	NextReset *time.Time
}

// computeWindow returns the natural window for a config's reset strategy,
// evaluated against now (already in local time), then applies the reset
// anchor override from step 2: an anchor later than the natural start
// wins; an anchor older than the natural start has naturally expired and
// is ignored.
func computeWindow(cfg store.RateLimitConfig, now time.Time) Window {
	var w Window
	switch cfg.ResetStrategy {
	case store.ResetDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		next := start.Add(24 * time.Hour)
		w = Window{Start: start, NextReset: &next}
	case store.ResetWeekly:
		start := mostRecentMonday(now)
		next := start.Add(7 * 24 * time.Hour)
		w = Window{Start: start, NextReset: &next}
	case store.ResetRolling:
		start := now.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
		next := now.Add(time.Minute)
		w = Window{Start: start, NextReset: &next}
	default:
		start := now.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
		w = Window{Start: start}
	}

	if cfg.ResetAnchorTimestamp != nil && cfg.ResetAnchorTimestamp.After(w.Start) {
		w.Start = *cfg.ResetAnchorTimestamp
	}
	return w
}

// mostRecentMonday returns local midnight of the most recent Monday on or
// before now (ISO week semantics: Monday is the first day of the week).
func mostRecentMonday(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := int(midnight.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	return midnight.AddDate(0, 0, -offset)
}
