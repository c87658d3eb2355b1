package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
)

// Reset writes a fresh zeroed RateLimitStatus and advances the config's
// reset anchor to now, so the next Reconciler pass sees an anchor later
// than the natural window start and preserves the reset.
func (r *Reconciler) Reset(ctx context.Context, configID int64) (store.RateLimitStatus, error) {
	cfg, found, err := r.store.RateLimitConfigByID(ctx, configID)
	if err != nil {
		return store.RateLimitStatus{}, fmt.Errorf("reconciler: load config: %w", err)
	}
	if !found {
		return store.RateLimitStatus{}, store.ErrNotFound
	}

	now := time.Now().In(r.loc)
	cfg.ResetAnchorTimestamp = &now
	if err := r.store.UpdateRateLimitConfig(ctx, cfg); err != nil {
		return store.RateLimitStatus{}, fmt.Errorf("reconciler: set reset anchor: %w", err)
	}

	status := store.RateLimitStatus{
		ConfigID:    configID,
		WindowStart: now,
		LastUpdated: now,
		Percentage:  100,
		StatusLabel: labelFor(100),
	}
	if cfg.TokenLimit > 0 {
		status.RemainingTokens = cfg.TokenLimit
	}
	if cfg.RequestLimit > 0 {
		status.RemainingRequests = cfg.RequestLimit
	}

	if err := r.store.UpsertRateLimitStatus(ctx, status); err != nil {
		return store.RateLimitStatus{}, fmt.Errorf("reconciler: upsert reset status: %w", err)
	}
	r.cache.Set(ctx, status)
	return status, nil
}
