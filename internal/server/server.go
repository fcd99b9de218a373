// Package server implements the HTTP transport layer for the Mellon gateway.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/khazad/mellon/internal/backup"
	"github.com/khazad/mellon/internal/crypto"
	"github.com/khazad/mellon/internal/health"
	"github.com/khazad/mellon/internal/pipeline"
	"github.com/khazad/mellon/internal/routing"
	"github.com/khazad/mellon/internal/storage"
	"github.com/khazad/mellon/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store    storage.Store
	Pipeline *pipeline.Pipeline
	Engine   *routing.Engine
	Cipher   *crypto.Cipher
	Backup   *backup.Manager
	Checker  *health.Checker // persists synchronous provider tests
	Prober   *health.Prober  // unsaved-config probes
	Log      *slog.Logger
	Metrics  *telemetry.Metrics // nil = no request metrics
	MetricsH http.Handler       // /metrics; nil = endpoint disabled
	Ready    ReadyChecker       // nil = always ready
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/ping", s.handlePing)
	if deps.MetricsH != nil {
		r.Handle("/metrics", deps.MetricsH)
	}

	r.Post("/v1/chat/completions", s.handleChatCompletion)
	r.Get("/v1/models", s.handleListModels)

	r.Route("/api/providers", func(r chi.Router) {
		r.Get("/", s.handleListProviders)
		r.Post("/", s.handleCreateProvider)
		r.Post("/test-direct", s.handleTestDirect)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetProvider)
			r.Patch("/", s.handleUpdateProvider)
			r.Delete("/", s.handleDeleteProvider)
			r.Post("/test", s.handleTestProvider)
			r.Patch("/health", s.handleHealthOverride)
		})
	})

	r.Route("/api/model-routes", func(r chi.Router) {
		r.Get("/", s.handleListRoutes)
		r.Post("/", s.handleCreateRoute)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRoute)
			r.Patch("/", s.handleUpdateRoute)
			r.Delete("/", s.handleDeleteRoute)
			r.Post("/select", s.handleSelectRoute)
			r.Get("/state", s.handleRouteState)
		})
	})

	r.Post("/api/admin/providers/restore", s.handleRestore)

	return r
}

type server struct {
	deps Deps
}

var (
	okBody  = []byte("ok")
	plainCT = []string{"text/plain"}
)

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
