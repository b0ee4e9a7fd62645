package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dairylab/auth"
)

// Routes constructs the HTTP router with the probes and the record API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(MetricsMiddleware(a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.Health.Liveness)
	r.Get("/readyz", a.Health.Readiness)
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry}))

	r.Route("/api/{kind}", func(r chi.Router) {
		r.Use(auth.RequireAuth(a.Auth))
		r.Use(SubjectMiddleware)

		r.Post("/", a.handleCreate)
		r.Get("/", a.handleList)
		r.Get("/{id}", a.handleGet)
		r.Put("/{id}", a.handleUpdate)
		r.Delete("/{id}", a.handleDelete)
	})

	return r
}
