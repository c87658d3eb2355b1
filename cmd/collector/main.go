package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alfred-collector/usage-collector/internal/config"
	"github.com/alfred-collector/usage-collector/internal/deltaengine"
	"github.com/alfred-collector/usage-collector/internal/httpapi"
	"github.com/alfred-collector/usage-collector/internal/logger"
	"github.com/alfred-collector/usage-collector/internal/observability"
	"github.com/alfred-collector/usage-collector/internal/pricing"
	"github.com/alfred-collector/usage-collector/internal/reconciler"
	"github.com/alfred-collector/usage-collector/internal/scheduler"
	"github.com/alfred-collector/usage-collector/internal/statuscache"
	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/alfred-collector/usage-collector/internal/upstream"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("usage collector starting")

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer s.Close()

	cache, err := statuscache.New(cfg.RedisURL, log)
	if err != nil {
		log.Warn().Err(err).Msg("status cache init failed — continuing without it")
		cache = nil
	} else if cache != nil {
		log.Info().Msg("status cache connected")
	}

	oracle := pricing.New(cfg.PricingURL, cfg.PricingTTL)
	client := upstream.NewClient(cfg.CLIProxyURL, cfg.ManagementKey)

	engine := deltaengine.New(s, oracle.Price, cfg.Location(), deltaengine.Thresholds{
		FalseStartCostUSD:      cfg.FalseStartCostThresholdUSD,
		FalseStartToleranceUSD: cfg.FalseStartCostToleranceUSD,
	}, log)

	metrics := observability.New()

	rec := reconciler.New(s, cfg.Location(), cfg.FalseStartTokenThreshold, cfg.FalseStartTokenTolerance, cfg.GapThreshold, log).
		WithCache(cache).
		WithMetrics(metrics)

	coord := scheduler.New(client, engine, rec, cfg.Interval(), log).WithMetrics(metrics)
	coord.Start()

	r := httpapi.NewRouter(s, coord, rec, cache, metrics, log, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.TriggerPort),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Int("port", cfg.TriggerPort).Msg("collector control surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	coord.Stop()
	if cache != nil {
		_ = cache.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("collector stopped gracefully")
	}
}
