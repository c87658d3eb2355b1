// Package statuscache provides an optional Redis-backed read accelerator
// for RateLimitStatus lookups. It is never on the write path's critical
// section and never blocks a Reconciler pass: any Redis error is logged
// and the caller falls back to reading the Store directly.
package statuscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/alfred-collector/usage-collector/internal/store"
)

// Cache wraps a Redis client. A nil *Cache is valid and acts as a
// always-miss cache, so callers don't need a separate "enabled" check.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// New parses redisURL and builds a Cache. Returns an error only if the
// URL itself is malformed; connectivity is not verified here, since a
// transient Redis outage at startup must not prevent the collector from
// running with cache misses.
func New(redisURL string, log zerolog.Logger) (*Cache, error) {
	if redisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("statuscache: invalid redis url: %w", err)
	}
	return &Cache{
		client: redis.NewClient(opt),
		ttl:    30 * time.Second,
		log:    log.With().Str("component", "status_cache").Logger(),
	}, nil
}

func cacheKey(configID int64) string {
	return fmt.Sprintf("ratelimit:status:%d", configID)
}

// Get returns a cached status, or (zero, false) on a miss or any Redis
// error. Errors are logged at debug level, never propagated: this is a
// pure accelerator, not a source of truth.
func (c *Cache) Get(ctx context.Context, configID int64) (store.RateLimitStatus, bool) {
	if c == nil {
		return store.RateLimitStatus{}, false
	}
	val, err := c.client.Get(ctx, cacheKey(configID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Msg("status cache get failed, falling back to store")
		}
		return store.RateLimitStatus{}, false
	}
	var status store.RateLimitStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		c.log.Debug().Err(err).Msg("status cache payload corrupt, falling back to store")
		return store.RateLimitStatus{}, false
	}
	return status, true
}

// Set writes a status into the cache with a short TTL. Failures are
// logged and swallowed.
func (c *Cache) Set(ctx context.Context, status store.RateLimitStatus) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(status.ConfigID), payload, c.ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("status cache set failed")
	}
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
