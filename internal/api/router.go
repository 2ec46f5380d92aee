// Package api serves the control surface: process supervision, inbox
// administration and the event log, over JSON/HTTP.
package api

import (
	"context"

	"commonroom/internal/api/middleware"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/mailbox"
	"commonroom/pkg/supervisor"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxBodySize bounds request bodies; messages are small JSON documents.
const maxBodySize = 64 * 1024

// EventQuerier reads the event log.
type EventQuerier interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]eventlog.Event, error)
}

// Deps are the components the API exposes.
type Deps struct {
	Registry *supervisor.Registry
	Mailbox  *mailbox.Mailbox
	Events   EventQuerier // optional
	Logger   zerolog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodySize))

	// The dashboard is a browser app served from another origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := NewHandler(deps)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status/server", h.ServerStatus)

		r.Route("/processes", func(r chi.Router) {
			r.Get("/", h.ListProcesses)
			r.Get("/{id}", h.GetProcess)
			r.Post("/{id}/start", h.StartProcess)
			r.Post("/{id}/stop", h.StopProcess)
		})

		r.Route("/helpers", func(r chi.Router) {
			r.Get("/", h.ListHelpers)
			r.Post("/", h.AddHelper)
			r.Delete("/{name}", h.RemoveHelper)
			r.Put("/{old}/{new}", h.RenameHelper)
			r.Get("/{helper}/messages", h.ListMessages)
			r.Get("/{helper}/messages/{id}", h.GetMessage)
			r.Post("/{helper}/messages", h.PostMessage)
		})

		r.Get("/events", h.ListEvents)
	})

	return r
}
