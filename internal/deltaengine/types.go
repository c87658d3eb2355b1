// Package deltaengine turns one cumulative usage report into the next
// Snapshot, its ModelUsageRows, and a breakdown delta to merge into the
// day's DailyAggregate. The accounting logic (Apply) is a pure function
// over plain values so it can be tested without a database.
package deltaengine

import (
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
)

// Thresholds configures the cost bounds the false-start filter compares
// against, threaded through Config instead of hardcoded so a deployment
// can tune them.
type Thresholds struct {
	FalseStartCostUSD      float64 // dCost must exceed this to be eligible
	FalseStartToleranceUSD float64 // |dCost - currentCost| must be under this
}

// PrevState is everything the engine needs to know about the immediately
// preceding pass to compute a delta against the current report.
type PrevState struct {
	// Snapshot is the previous pass's Snapshot, or nil if this is the very
	// first pass ever recorded.
	Snapshot *store.Snapshot
	// ModelRows is the previous pass's per-(endpoint,model) rows, one entry
	// per pair; Apply indexes them by (endpoint, model) itself.
	ModelRows []store.ModelUsageRow
}

// Result is everything a completed pass produces, ready for the Store to
// persist atomically.
type Result struct {
	Snapshot         store.Snapshot
	ModelRows        []store.ModelUsageRow
	BreakdownDelta   store.Breakdown
	Date             string // local calendar date this pass's delta belongs to
	RestartDetected  bool
	SkippedModelKeys []string // keys dropped by the false-start filter, for logging/metrics
	SuccessDelta     int64    // reconciled, possibly ratio-scaled per step 6
	FailureDelta     int64
}

type modelKey struct {
	Endpoint string
	Model    string
}

func keyOf(endpoint, model string) modelKey { return modelKey{Endpoint: endpoint, Model: model} }

type counters struct {
	Requests int64
	Tokens   int64
	Cost     float64
	Input    int64
	Output   int64
}

func (c counters) sub(o counters) counters {
	return counters{
		Requests: c.Requests - o.Requests,
		Tokens:   c.Tokens - o.Tokens,
		Cost:     c.Cost - o.Cost,
		Input:    c.Input - o.Input,
		Output:   c.Output - o.Output,
	}
}

// localDate formats t in loc as YYYY-MM-DD.
func localDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
