// Package httpapi exposes the collector's control surface: health,
// manual sync trigger, rate-limit reset, and read-only projections of
// the store for dashboards.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/alfred-collector/usage-collector/internal/httpmw"
	"github.com/alfred-collector/usage-collector/internal/observability"
	"github.com/alfred-collector/usage-collector/internal/reconciler"
	"github.com/alfred-collector/usage-collector/internal/scheduler"
	"github.com/alfred-collector/usage-collector/internal/statuscache"
	"github.com/alfred-collector/usage-collector/internal/store"
)

// NewRouter builds the full control surface: CORS → security headers →
// request ID → recoverer → request logger → metrics, then the
// health/trigger/reset endpoints and the read-only projection endpoints.
// cache and metrics may be nil.
func NewRouter(s *store.Store, coord *scheduler.Coordinator, rec *reconciler.Reconciler, cache *statuscache.Cache, metrics *observability.Metrics, appLogger zerolog.Logger, corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(httpmw.CORS(corsOrigins))
	r.Use(httpmw.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httpmw.RequestLogger(appLogger))
	r.Use(httpmw.Metrics(metrics))

	ctrl := &controlHandlers{coordinator: coord, reconciler: rec}
	ro := &readOnlyHandlers{store: s, cache: cache}

	r.Get("/api/collector/health", ctrl.health)
	r.Post("/api/collector/trigger", ctrl.trigger)
	r.Post("/api/collector/reset/{config_id}", ctrl.reset)

	r.Route("/api/collector/stats", func(r chi.Router) {
		r.Get("/latest", ro.latestSnapshot)
		r.Get("/daily", ro.dailyStats)
		r.Get("/models", ro.modelUsage)
		r.Get("/hourly", ro.hourlyStats)
		r.Get("/endpoints", ro.endpointUsage)
	})

	r.Route("/api/collector/limits", func(r chi.Router) {
		r.Get("/", ro.listLimits)
		r.Post("/", ro.createLimit)
		r.Get("/{config_id}", ro.getLimit)
		r.Put("/{config_id}", ro.updateLimit)
		r.Delete("/{config_id}", ro.deleteLimit)
	})

	if metrics != nil {
		r.Get("/metrics", metrics.Handler().ServeHTTP)
	}

	return r
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
