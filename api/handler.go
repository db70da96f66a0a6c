package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/eventcore/api/handlers"
	"github.com/angelmondragon/eventcore/api/middleware"
	"github.com/angelmondragon/eventcore/pkg/config"
	"github.com/angelmondragon/eventcore/pkg/logger"
)

// HandlerParams wires the ops surface. Nil stores leave their admin routes
// unmounted.
type HandlerParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	Checks      []handlers.ReadinessCheck
	Gatherer    prometheus.Gatherer
	DeadLetters handlers.DeadLetterStore
	Schedules   handlers.ScheduleStore
}

// NewHandler returns the health, metrics and admin router served by the
// worker binaries.
func NewHandler(params HandlerParams) http.Handler {
	cfg := params.Config
	logg := params.Logger
	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", handlers.HealthLive(cfg))
		r.Get("/ready", handlers.HealthReady(cfg, logg, params.Checks...))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if params.DeadLetters == nil && params.Schedules == nil {
		return r
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Logging(logg))
		if params.DeadLetters != nil {
			r.Get("/dead-letters", handlers.ListDeadLetters(params.DeadLetters, logg))
			r.Post("/dead-letters/{id}/requeue", handlers.RequeueDeadLetter(params.DeadLetters, logg))
		}
		if params.Schedules != nil {
			r.Get("/schedules", handlers.ListSchedules(params.Schedules, logg))
			r.Put("/schedules", handlers.PutSchedule(params.Schedules, logg))
			r.Delete("/schedules/{id}", handlers.DeleteSchedule(params.Schedules, logg))
		}
	})

	return r
}
