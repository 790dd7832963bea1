package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var requestTimeout = 60 * time.Second

func NewRouter(scheduler *SchedulerHandler, health *HealthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// A manual tick runs to completion whatever the request does, so it is kept
	// out of the timeout group.
	r.Post("/api/scheduler/run", scheduler.RunNow)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/api/scheduler/status", scheduler.Status)
		r.Get("/api/health", health.Health)
		r.Handle("/api/metrics", promhttp.Handler())
	})

	return r
}
