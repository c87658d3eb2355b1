package store

import "time"

// Snapshot is one observation of the upstream's cumulative counters.
// Append-only: never updated once written. CumulativeCostUSD is computed
// by the Delta Engine before the snapshot and its ModelUsageRows are
// inserted together.
type Snapshot struct {
	ID                int64
	CapturedAt        time.Time
	RawPayload        []byte
	TotalRequests     int64
	SuccessCount      int64
	FailureCount      int64
	TotalTokens       int64
	CumulativeCostUSD float64
}

// ModelUsageRow is one (snapshot, endpoint, model) breakdown row.
type ModelUsageRow struct {
	ID               int64
	SnapshotID       int64
	Endpoint         string
	Model            string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	EstimatedCostUSD float64
	CapturedAt       time.Time
}

// ModelTotals is a leaf aggregate value in a Breakdown map.
type ModelTotals struct {
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// EndpointTotals aggregates requests/tokens/cost for one endpoint plus
// its own per-model breakdown.
type EndpointTotals struct {
	Requests int64                  `json:"requests"`
	Tokens   int64                  `json:"tokens"`
	Cost     float64                `json:"cost"`
	Models   map[string]ModelTotals `json:"models"`
}

// Breakdown is the structured document stored in DailyAggregate's
// breakdown column: model → totals and endpoint → totals (each with
// its own nested per-model totals).
type Breakdown struct {
	Models    map[string]ModelTotals    `json:"models"`
	Endpoints map[string]EndpointTotals `json:"endpoints"`
}

// NewBreakdown returns an empty, initialised Breakdown.
func NewBreakdown() Breakdown {
	return Breakdown{
		Models:    make(map[string]ModelTotals),
		Endpoints: make(map[string]EndpointTotals),
	}
}

// DailyAggregate is the single row per local calendar date, self-healing:
// its top-level totals are always reproducible by summing Breakdown.
type DailyAggregate struct {
	Date          string // YYYY-MM-DD, local time
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalTokens   int64
	TotalCostUSD  float64
	Breakdown     Breakdown
}

// ResetStrategy enumerates the RateLimitConfig window kinds.
type ResetStrategy string

const (
	ResetDaily   ResetStrategy = "daily"
	ResetWeekly  ResetStrategy = "weekly"
	ResetRolling ResetStrategy = "rolling"
)

// RateLimitConfig is a declarative usage budget.
type RateLimitConfig struct {
	ID                   int64
	ModelPattern         string // substring match, case-insensitive
	WindowMinutes        int
	ResetStrategy        ResetStrategy
	TokenLimit           int64 // 0 = not enforced on this dimension
	RequestLimit         int64
	ResetAnchorTimestamp *time.Time
}

// RateLimitStatus is the derived, one-to-one status row for a RateLimitConfig.
type RateLimitStatus struct {
	ConfigID          int64
	UsedTokens        int64
	UsedRequests      int64
	RemainingTokens   int64
	RemainingRequests int64
	Percentage        int
	StatusLabel       string
	WindowStart       time.Time
	NextReset         *time.Time
	LastUpdated       time.Time
}
