// Package api exposes the HTTP interface for the orchestration engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/health"
	"github.com/tsundoku-io/tsundoku/internal/isolation"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
	"github.com/tsundoku-io/tsundoku/internal/resolver"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
)

// JobController is the scheduler surface the API needs.
type JobController interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (engine.Job, error)
	Cancel(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// SearchService is the resolver surface the API needs.
type SearchService interface {
	Search(ctx context.Context, q engine.SearchQuery) (resolver.SearchOutcome, error)
	Refresh(ctx context.Context, indexer, sourceID string) (engine.CanonicalEntry, error)
}

// ProviderService is the health monitor surface the API needs.
type ProviderService interface {
	Ranking(ctx context.Context) ([]health.RankedProvider, error)
	EnableProvider(ctx context.Context, name string) error
	DisableProvider(ctx context.Context, name string) error
}

// Deps carries the server's collaborators.
type Deps struct {
	Jobs      JobController
	JobStore  engine.JobStore
	Search    SearchService
	Providers ProviderService
	Isolation *isolation.Manager
	Entries   engine.EntryStore
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the scheduler, resolver, and health monitor.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/search", s.search)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/cancel", s.cancelJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
			})
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.listProviders)
			r.Post("/{name}/enable", s.enableProvider)
			r.Post("/{name}/disable", s.disableProvider)
		})

		r.Get("/isolation", s.isolationStatus)

		r.Route("/entries/{indexer}/{source_id}", func(r chi.Router) {
			r.Get("/", s.getEntry)
			r.Post("/refresh", s.refreshEntry)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
