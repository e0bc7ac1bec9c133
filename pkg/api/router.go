// Package api exposes a read-mostly HTTP surface over the pipeline
// state: version lifecycle, domain history, aggregates, and a trigger
// for enrichment cycles.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seclens/blocktrack/pkg/analyze"
	"github.com/seclens/blocktrack/pkg/enrich"
	"github.com/seclens/blocktrack/pkg/feed"
)

// Server bundles the stores and schedulers the handlers need.
type Server struct {
	versions   *feed.VersionStore
	store      *feed.DomainStore
	scheduler  *enrich.Scheduler
	aggregates *analyze.Aggregator
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer creates the API server.
func NewServer(versions *feed.VersionStore, store *feed.DomainStore, scheduler *enrich.Scheduler, aggregates *analyze.Aggregator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		versions:   versions,
		store:      store,
		scheduler:  scheduler,
		aggregates: aggregates,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Router builds the chi router for the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/versions", s.handleListVersions)
		r.Get("/versions/{versionId}", s.handleGetVersion)
		r.Get("/versions/{versionId}/records", s.handleVersionRecords)
		r.Get("/domains/{domain}/history", s.handleDomainHistory)
		r.Get("/domains/{domain}/aggregate", s.handleDomainAggregate)
		r.Post("/enrich", s.handleEnrich)
	})

	return r
}
