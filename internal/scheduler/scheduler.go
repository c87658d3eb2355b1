// Package scheduler drives periodic Delta Engine + Reconciler passes and
// coalesces manual trigger requests from the Control Surface.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfred-collector/usage-collector/internal/deltaengine"
	"github.com/alfred-collector/usage-collector/internal/observability"
	"github.com/alfred-collector/usage-collector/internal/reconciler"
	"github.com/alfred-collector/usage-collector/internal/upstream"
	"github.com/rs/zerolog"
)

// Coordinator is the single-threaded driver: it owns the one writer
// sequence (fetch report → Delta Engine → Reconciler) and exposes a
// coalescing manual trigger for the Control Surface.
type Coordinator struct {
	upstreamClient *upstream.Client
	deltaEngine    *deltaengine.Engine
	reconciler     *reconciler.Reconciler
	interval       time.Duration
	metrics        *observability.Metrics
	log            zerolog.Logger

	inFlight int32 // CAS guard: 0 = idle, 1 = a pass is running

	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	lastPassErr error
	lastPassAt  time.Time
}

// New builds a Coordinator. Nothing runs until Start is called. metrics may
// be nil, in which case pass outcomes are logged but not recorded.
func New(client *upstream.Client, engine *deltaengine.Engine, rec *reconciler.Reconciler, interval time.Duration, log zerolog.Logger) *Coordinator {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &Coordinator{
		upstreamClient: client,
		deltaEngine:    engine,
		reconciler:     rec,
		interval:       interval,
		log:            log.With().Str("component", "scheduler").Logger(),
		done:           make(chan struct{}),
	}
}

// WithMetrics attaches a Prometheus metrics sink. Passing nil disables
// recording without requiring a nil check at every call site.
func (c *Coordinator) WithMetrics(m *observability.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Start runs one pass immediately, then on a fixed interval measured from
// the end of the previous pass (the tick itself is not a suspension
// point). Call Stop to shut down gracefully.
func (c *Coordinator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.log.Info().Dur("interval", c.interval).Msg("starting scheduler")
	go c.loop(ctx)
}

// Stop aborts the next tick (does not cancel a pass already in flight) and
// waits for the loop goroutine to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	c.log.Info().Msg("scheduler stopped")
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	// Passes run on a context that Stop does not cancel, so a pass already
	// in flight finishes; ctx only ends the wait for the next tick.
	passCtx := context.WithoutCancel(ctx)
	c.runGuarded(passCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval):
			c.runGuarded(passCtx)
		}
	}
}

// Trigger starts a pass asynchronously. If a pass is already running it
// returns false immediately (the Control Surface reports HTTP 202 either
// way; this return value only tells the caller whether a new pass was
// actually enqueued, which the handler reflects in its message).
func (c *Coordinator) Trigger(ctx context.Context) bool {
	if !atomic.CompareAndSwapInt32(&c.inFlight, 0, 1) {
		return false
	}
	go func() {
		defer atomic.StoreInt32(&c.inFlight, 0)
		c.runOnce(ctx)
	}()
	return true
}

// runGuarded is the periodic-tick entry point: it uses the same coalescing
// gate as Trigger so a manual trigger and a scheduled tick never overlap.
func (c *Coordinator) runGuarded(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&c.inFlight, 0, 1) {
		c.log.Warn().Msg("scheduled tick skipped: a pass is already in flight")
		return
	}
	defer atomic.StoreInt32(&c.inFlight, 0)
	c.runOnce(ctx)
}

// runOnce executes one Delta Engine pass followed by one Reconciler pass.
// Errors from either are logged and isolated: a Reconciler failure never
// prevents the next Delta Engine pass, and vice versa.
func (c *Coordinator) runOnce(ctx context.Context) {
	start := time.Now()
	var passErr error
	outcome := "ok"

	report, err := c.upstreamClient.FetchReport(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("scheduler: upstream fetch failed, skipping pass")
		passErr = err
		outcome = "transient_upstream"
		if errors.Is(err, upstream.ErrParse) {
			outcome = "parse"
		}
	} else if result, err := c.deltaEngine.Run(ctx, report, start); err != nil {
		c.log.Error().Err(err).Msg("scheduler: delta engine pass failed")
		passErr = err
		outcome = "persistence"
	} else if c.metrics != nil {
		c.metrics.FalseStartsSkippedTotal.Add(float64(len(result.SkippedModelKeys)))
		if result.RestartDetected {
			c.metrics.RestartsDetectedTotal.Inc()
		}
	}

	if err := c.reconciler.Run(ctx); err != nil {
		c.log.Error().Err(err).Msg("scheduler: reconciler pass failed")
		if passErr == nil {
			passErr = err
			outcome = "persistence"
		}
	}

	c.mu.Lock()
	c.lastPassErr = passErr
	c.lastPassAt = start
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PassesTotal.WithLabelValues(outcome).Inc()
		c.metrics.PassDuration.Observe(time.Since(start).Seconds())
	}

	c.log.Debug().Dur("duration", time.Since(start)).Bool("ok", passErr == nil).Msg("pass complete")
}

// LastPass reports the timestamp and error (if any) of the most recently
// completed pass, for the health endpoint.
func (c *Coordinator) LastPass() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPassAt, c.lastPassErr
}
