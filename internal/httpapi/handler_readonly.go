package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alfred-collector/usage-collector/internal/statuscache"
	"github.com/alfred-collector/usage-collector/internal/store"
)

type readOnlyHandlers struct {
	store *store.Store
	cache *statuscache.Cache
}

// statusFor reads the cache first, falling back to the store on a miss
// and populating the cache for the next read.
func (h *readOnlyHandlers) statusFor(r *http.Request, configID int64) (store.RateLimitStatus, bool) {
	if h.cache != nil {
		if status, ok := h.cache.Get(r.Context(), configID); ok {
			return status, true
		}
	}
	status, found, err := h.store.RateLimitStatusByConfigID(r.Context(), configID)
	if err != nil || !found {
		return store.RateLimitStatus{}, false
	}
	h.cache.Set(r.Context(), status)
	return status, true
}

func (h *readOnlyHandlers) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, found, err := h.store.LatestSnapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load latest snapshot")
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "snapshot": snap})
}

func (h *readOnlyHandlers) dailyStats(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" {
		from = "0000-01-01"
	}
	if to == "" {
		to = "9999-12-31"
	}
	rows, err := h.store.DailyAggregatesInRange(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load daily stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": rows})
}

func (h *readOnlyHandlers) modelUsage(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.store.ModelUsageInRange(r.Context(), from, to, model, false, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load model usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// hourlyStats buckets model-usage rows captured in range into hour-of-day
// totals, a dashboard projection that doesn't need a dedicated table.
func (h *readOnlyHandlers) hourlyStats(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.store.ModelUsageInRange(r.Context(), from, to, "", false, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load model usage")
		return
	}

	type hourBucket struct {
		Requests int64 `json:"requests"`
		Tokens   int64 `json:"tokens"`
	}
	buckets := make(map[int]*hourBucket)
	for _, row := range rows {
		hr := row.CapturedAt.Hour()
		b, ok := buckets[hr]
		if !ok {
			b = &hourBucket{}
			buckets[hr] = b
		}
		b.Requests += row.RequestCount
		b.Tokens += row.TotalTokens
	}
	writeJSON(w, http.StatusOK, map[string]any{"hourly": buckets})
}

func (h *readOnlyHandlers) endpointUsage(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.store.ModelUsageInRange(r.Context(), from, to, "", false, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load endpoint usage")
		return
	}

	type endpointTotal struct {
		Requests int64   `json:"requests"`
		Tokens   int64   `json:"tokens"`
		Cost     float64 `json:"cost"`
	}
	totals := make(map[string]*endpointTotal)
	for _, row := range rows {
		t, ok := totals[row.Endpoint]
		if !ok {
			t = &endpointTotal{}
			totals[row.Endpoint] = t
		}
		t.Requests += row.RequestCount
		t.Tokens += row.TotalTokens
		t.Cost += row.EstimatedCostUSD
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": totals})
}

func (h *readOnlyHandlers) listLimits(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListRateLimitConfigs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rate limit configs")
		return
	}

	type limitView struct {
		Config store.RateLimitConfig  `json:"config"`
		Status *store.RateLimitStatus `json:"status,omitempty"`
	}
	views := make([]limitView, 0, len(configs))
	for _, cfg := range configs {
		view := limitView{Config: cfg}
		if status, found := h.statusFor(r, cfg.ID); found {
			view.Status = &status
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"limits": views})
}

func (h *readOnlyHandlers) getLimit(w http.ResponseWriter, r *http.Request) {
	id, err := parseConfigID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, found, err := h.store.RateLimitConfigByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rate limit config")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "rate limit config not found")
		return
	}
	status, hasStatus := h.statusFor(r, id)
	resp := map[string]any{"config": cfg}
	if hasStatus {
		resp["status"] = status
	}
	writeJSON(w, http.StatusOK, resp)
}

type createLimitRequest struct {
	ModelPattern  string              `json:"model_pattern"`
	WindowMinutes int                 `json:"window_minutes"`
	ResetStrategy store.ResetStrategy `json:"reset_strategy"`
	TokenLimit    int64               `json:"token_limit"`
	RequestLimit  int64               `json:"request_limit"`
}

func (h *readOnlyHandlers) createLimit(w http.ResponseWriter, r *http.Request) {
	var req createLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := h.store.CreateRateLimitConfig(r.Context(), store.RateLimitConfig{
		ModelPattern:  req.ModelPattern,
		WindowMinutes: req.WindowMinutes,
		ResetStrategy: req.ResetStrategy,
		TokenLimit:    req.TokenLimit,
		RequestLimit:  req.RequestLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create rate limit config")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (h *readOnlyHandlers) updateLimit(w http.ResponseWriter, r *http.Request) {
	id, err := parseConfigID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createLimitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err = h.store.UpdateRateLimitConfig(r.Context(), store.RateLimitConfig{
		ID:            id,
		ModelPattern:  req.ModelPattern,
		WindowMinutes: req.WindowMinutes,
		ResetStrategy: req.ResetStrategy,
		TokenLimit:    req.TokenLimit,
		RequestLimit:  req.RequestLimit,
	})
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "rate limit config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update rate limit config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "updated"})
}

func (h *readOnlyHandlers) deleteLimit(w http.ResponseWriter, r *http.Request) {
	id, err := parseConfigID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = h.store.DeleteRateLimitConfig(r.Context(), id)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "rate limit config not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete rate limit config")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

func parseConfigID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "config_id"), 10, 64)
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now()

	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}
	return from, to, nil
}
