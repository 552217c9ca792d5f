package server

import (
	"net/http"

	"github.com/crlsmrls/apmpipeline/central/auth"
	"github.com/crlsmrls/apmpipeline/central/ingest"
	"github.com/crlsmrls/apmpipeline/central/query"
	"github.com/crlsmrls/apmpipeline/central/ratelimit"
	"github.com/crlsmrls/apmpipeline/internal/obsmetrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// setupRoutes configures the central server's route table.
func (s *Server) setupRoutes(r *chi.Mux, reg *prometheus.Registry) {
	var forwarder ingest.Forwarder
	if s.shipper != nil {
		forwarder = s.shipper
	}
	ingestHandler := ingest.New(s.store, forwarder)
	queryHandler := query.New(s.store)

	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Handle("/metrics", obsmetrics.MetricsHandler(reg))
	r.Get("/api/internal/storage", s.StorageDiagnostics)

	r.Route("/ingest", func(r chi.Router) {
		r.Use(auth.Middleware(s.authn))
		r.Use(ratelimit.Middleware(s.limiter))
		r.Post("/app", ingestHandler.IngestApp)
		r.Post("/db", ingestHandler.IngestDB)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(query.CORS)
		r.Get("/search", queryHandler.Search)
		r.Get("/projects", queryHandler.Projects)
		r.Get("/stats", queryHandler.Stats)
		r.Get("/compare", queryHandler.Compare)
		r.Get("/correlation/{id}", queryHandler.Correlation)
	})
}

// Health handles GET /health: a liveness probe answering as soon as the
// process can serve HTTP at all, independent of storage or API key state.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": s.uptimeSeconds(),
	})
}
