package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alfred-collector/usage-collector/internal/reconciler"
	"github.com/alfred-collector/usage-collector/internal/scheduler"
	"github.com/alfred-collector/usage-collector/internal/store"
)

type controlHandlers struct {
	coordinator *scheduler.Coordinator
	reconciler  *reconciler.Reconciler
}

// health never fails the response itself; it reports the most recent
// Scheduler pass outcome as metadata so a dashboard can tell a running
// process with a stuck upstream apart from one that is actually down.
func (h *controlHandlers) health(w http.ResponseWriter, r *http.Request) {
	lastPassAt, lastPassErr := h.coordinator.LastPass()
	body := map[string]any{
		"status":    "healthy",
		"timestamp": nowRFC3339(),
	}
	if !lastPassAt.IsZero() {
		body["last_pass_at"] = lastPassAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		body["last_pass_ok"] = lastPassErr == nil
	}
	writeJSON(w, http.StatusOK, body)
}

// trigger enqueues a Scheduler pass and always returns 202, regardless of
// whether the trigger actually started a new pass or coalesced into one
// already running.
func (h *controlHandlers) trigger(w http.ResponseWriter, r *http.Request) {
	// The request context is cancelled once this handler returns; the pass
	// outlives the response, so it keeps the values but not the cancellation.
	started := h.coordinator.Trigger(context.WithoutCancel(r.Context()))
	msg := "sync pass enqueued"
	if !started {
		msg = "sync pass already in flight, not duplicated"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": msg})
}

// reset writes a fresh zeroed RateLimitStatus and advances the config's
// reset anchor, per the Control Surface reset contract.
func (h *controlHandlers) reset(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "config_id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "config_id must be an integer")
		return
	}

	status, err := h.reconciler.Reset(r.Context(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "rate limit config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset rate limit status")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rate limit reset",
		"new_status": map[string]any{
			"percentage": status.Percentage,
			"label":      status.StatusLabel,
		},
	})
}
