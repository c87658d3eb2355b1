package deltaengine

import (
	"context"
	"time"

	"github.com/alfred-collector/usage-collector/internal/store"
	"github.com/alfred-collector/usage-collector/internal/upstream"
	"github.com/rs/zerolog"
)

// PriceFunc is the injected Pricing Oracle contract: a pure-enough
// function from (model, input tokens, output tokens) to a USD cost.
type PriceFunc func(ctx context.Context, model string, inputTokens, outputTokens int64) float64

// Apply runs one full pass of the delta accounting algorithm against a
// freshly fetched report. It performs no I/O itself; capturedAt is the
// pass's wall-clock timestamp, supplied by the caller so this function
// stays deterministic and testable.
func Apply(ctx context.Context, report upstream.Report, prev PrevState, price PriceFunc, capturedAt time.Time, loc *time.Location, th Thresholds, log zerolog.Logger) Result {
	// Step 1: cost tabulation per (endpoint, model), accumulate snapshot total cost.
	rows := make([]store.ModelUsageRow, 0, 8)
	currByKey := make(map[modelKey]counters)
	var totalCostThisSnapshot float64

	for endpoint, api := range report.APIs {
		for model, mu := range api.Models {
			inTok, outTok := mu.SumTokens()
			cost := price(ctx, model, inTok, outTok)
			totalCostThisSnapshot += cost

			rows = append(rows, store.ModelUsageRow{
				Endpoint:         endpoint,
				Model:            model,
				RequestCount:     mu.TotalRequests,
				InputTokens:      inTok,
				OutputTokens:     outTok,
				TotalTokens:      mu.TotalTokens,
				EstimatedCostUSD: cost,
				CapturedAt:       capturedAt,
			})
			currByKey[keyOf(endpoint, model)] = counters{
				Requests: mu.TotalRequests,
				Tokens:   mu.TotalTokens,
				Cost:     cost,
				Input:    inTok,
				Output:   outTok,
			}
		}
	}

	// Step 2: snapshot write (cumulative cost finalised relative to previous snapshot).
	var prevCumulativeCost float64
	if prev.Snapshot != nil {
		prevCumulativeCost = prev.Snapshot.CumulativeCostUSD
	}
	snap := store.Snapshot{
		CapturedAt:        capturedAt,
		TotalRequests:     report.TotalRequests,
		SuccessCount:      report.SuccessCount,
		FailureCount:      report.FailureCount,
		TotalTokens:       report.TotalTokens,
		CumulativeCostUSD: prevCumulativeCost + totalCostThisSnapshot,
	}

	// Step 3: coarse delta with upstream-restart detection.
	coarse := counters{Requests: report.TotalRequests, Tokens: report.TotalTokens}
	coarseSuccess, coarseFailure := report.SuccessCount, report.FailureCount
	restartDetected := false
	if prev.Snapshot != nil {
		dReq := report.TotalRequests - prev.Snapshot.TotalRequests
		dTok := report.TotalTokens - prev.Snapshot.TotalTokens
		if dReq < 0 || dTok < 0 {
			restartDetected = true
			coarse = counters{Requests: report.TotalRequests, Tokens: report.TotalTokens}
			coarseSuccess, coarseFailure = report.SuccessCount, report.FailureCount
			log.Warn().
				Int64("prev_requests", prev.Snapshot.TotalRequests).
				Int64("curr_requests", report.TotalRequests).
				Msg("upstream restart detected: counters rolled back")
		} else {
			coarse = counters{Requests: dReq, Tokens: dTok}
			coarseSuccess = report.SuccessCount - prev.Snapshot.SuccessCount
			coarseFailure = report.FailureCount - prev.Snapshot.FailureCount
		}
	}

	// Step 4: granular delta per (model, endpoint), with per-key restart
	// correction and the false-start filter.
	prevByKey := make(map[modelKey]counters, len(prev.ModelRows))
	for _, r := range prev.ModelRows {
		prevByKey[keyOf(r.Endpoint, r.Model)] = counters{
			Requests: r.RequestCount, Tokens: r.TotalTokens, Cost: r.EstimatedCostUSD,
			Input: r.InputTokens, Output: r.OutputTokens,
		}
	}

	allKeys := make(map[modelKey]struct{}, len(currByKey)+len(prevByKey))
	for k := range currByKey {
		allKeys[k] = struct{}{}
	}
	for k := range prevByKey {
		allKeys[k] = struct{}{}
	}

	survivingDeltas := make(map[modelKey]counters, len(allKeys))
	var skippedKeys []string
	var droppedFromCoarse counters

	for k := range allKeys {
		curr := currByKey[k] // zero value if absent this pass
		prevC := prevByKey[k]
		d := curr.sub(prevC)
		if prev.Snapshot == nil {
			d = curr
		}

		if d.Requests < 0 || d.Tokens < 0 {
			d = curr
		}

		if d.Cost > th.FalseStartCostUSD && absFloat(d.Cost-curr.Cost) < th.FalseStartToleranceUSD {
			skippedKeys = append(skippedKeys, k.Endpoint+"/"+k.Model)
			droppedFromCoarse.Requests += d.Requests
			droppedFromCoarse.Tokens += d.Tokens
			droppedFromCoarse.Cost += d.Cost
			log.Info().
				Str("endpoint", k.Endpoint).
				Str("model", k.Model).
				Float64("delta_cost", d.Cost).
				Msg("false start filter: skipping newly-reported model key")
			continue
		}

		survivingDeltas[k] = d
	}

	coarse = coarse.sub(droppedFromCoarse)

	// Step 5: aggregate surviving per-key deltas into a breakdown delta.
	breakdownDelta := store.NewBreakdown()
	for k, d := range survivingDeltas {
		if d.Requests <= 0 && d.Cost <= 0 {
			continue
		}
		mt := breakdownDelta.Models[k.Model]
		mt.Requests += d.Requests
		mt.Tokens += d.Tokens
		mt.Cost += d.Cost
		mt.InputTokens += d.Input
		mt.OutputTokens += d.Output
		breakdownDelta.Models[k.Model] = mt

		ep, ok := breakdownDelta.Endpoints[k.Endpoint]
		if !ok {
			ep = store.EndpointTotals{Models: make(map[string]store.ModelTotals)}
		}
		ep.Requests += d.Requests
		ep.Tokens += d.Tokens
		ep.Cost += d.Cost
		epModel := ep.Models[k.Model]
		epModel.Requests += d.Requests
		epModel.Tokens += d.Tokens
		epModel.Cost += d.Cost
		epModel.InputTokens += d.Input
		epModel.OutputTokens += d.Output
		ep.Models[k.Model] = epModel
		breakdownDelta.Endpoints[k.Endpoint] = ep
	}

	// Step 6: reconcile global counters to the granular, authoritative total.
	if prev.Snapshot != nil {
		var safeDelta counters
		for _, mt := range breakdownDelta.Models {
			safeDelta.Requests += mt.Requests
			safeDelta.Tokens += mt.Tokens
			safeDelta.Cost += mt.Cost
		}
		if coarse.Requests > 0 {
			ratio := float64(safeDelta.Requests) / float64(coarse.Requests)
			if ratio < 0.99 {
				coarseSuccess = int64(float64(coarseSuccess) * ratio)
				coarseFailure = int64(float64(coarseFailure) * ratio)
			}
		}
		coarse = safeDelta
	}

	return Result{
		Snapshot:         snap,
		ModelRows:        rows,
		BreakdownDelta:   breakdownDelta,
		Date:             localDate(capturedAt, loc),
		RestartDetected:  restartDetected,
		SkippedModelKeys: skippedKeys,
		SuccessDelta:     coarseSuccess,
		FailureDelta:     coarseFailure,
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
