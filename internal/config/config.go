// Package config loads collector configuration from environment
// variables and an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all collector configuration values.
type Config struct {
	// Upstream proxy (CLIProxy) management API
	CLIProxyURL   string
	ManagementKey string

	// Scheduler
	IntervalSeconds int
	TimezoneOffset  int // hours, added to UTC for all local-time calculations

	// HTTP control surface
	TriggerPort int

	// Storage
	DBPath string

	// Optional read-cache accelerator
	RedisURL string

	// Optional pricing table refresh
	PricingURL string
	PricingTTL time.Duration

	// Logging
	Env      string
	LogLevel string

	// False-start / restart detection thresholds, tunable per deployment
	// rather than hardcoded.
	FalseStartCostThresholdUSD float64
	FalseStartCostToleranceUSD float64
	FalseStartTokenThreshold   int64
	FalseStartTokenTolerance   int64
	GapThreshold               time.Duration

	// HTTP control surface CORS allowlist
	CORSOrigins []string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		CLIProxyURL:     getEnv("CLIPROXY_URL", "http://localhost:8317"),
		ManagementKey:   getEnv("CLIPROXY_MANAGEMENT_KEY", ""),
		IntervalSeconds: getEnvInt("COLLECTOR_INTERVAL_SECONDS", 300),
		TimezoneOffset:  getEnvInt("TIMEZONE_OFFSET_HOURS", 7),
		TriggerPort:     getEnvInt("COLLECTOR_TRIGGER_PORT", 5001),
		DBPath:          getEnv("DB_PATH", "./collector.db"),
		RedisURL:        getEnv("REDIS_URL", ""),
		PricingURL:      getEnv("PRICING_URL", ""),
		PricingTTL:      time.Duration(getEnvInt("PRICING_TTL_MINUTES", 60)) * time.Minute,
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		FalseStartCostThresholdUSD: getEnvFloat("FALSE_START_COST_THRESHOLD_USD", 10.0),
		FalseStartCostToleranceUSD: getEnvFloat("FALSE_START_COST_TOLERANCE_USD", 0.1),
		FalseStartTokenThreshold:   int64(getEnvInt("FALSE_START_TOKEN_THRESHOLD", 100000)),
		FalseStartTokenTolerance:   int64(getEnvInt("FALSE_START_TOKEN_TOLERANCE", 100)),
		GapThreshold:               time.Duration(getEnvInt("GAP_THRESHOLD_MINUTES", 30)) * time.Minute,
		CORSOrigins:                getEnvList("CORS_ORIGINS", []string{"*"}),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Interval returns the scheduler tick interval as a time.Duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Location returns the fixed local-time zone derived from TimezoneOffset.
func (c *Config) Location() *time.Location {
	return time.FixedZone("local", c.TimezoneOffset*3600)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
