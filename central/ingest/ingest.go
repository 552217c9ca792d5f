// Package ingest implements the central server's application- and
// database-agent ingress: the authenticated HTTP routes of spec.md §4.5,
// strict payload validation, and the store-insert-then-background-forward
// coupling to the log aggregator described in spec.md §4.7.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/crlsmrls/apmpipeline/central/auth"
	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/crlsmrls/apmpipeline/internal/obsmetrics"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds a single ingest request body; generous headroom over
// the agent's own 64 KiB datagram cap since the daemon forwards the
// post-truncation payload over a reliable HTTP connection, not a datagram.
const maxBodyBytes = 4 << 20

// dbSources is the accepted source enum for /ingest/db, spec.md §6.
var dbSources = map[string]bool{
	"pg_stat_activity":   true,
	"pg_stat_statements": true,
	"pg_log":             true,
	"system_metrics":     true,
}

// appEnvelope is the subset of agent/collector.Payload ingest validates.
// The full payload is stored verbatim as the raw request body; ingest
// never re-serializes it, preserving field order and avoiding a dependency
// from central on the agent package.
type appEnvelope struct {
	CorrelationID string   `json:"correlation_id"`
	Timestamp     float64  `json:"timestamp"`
	DurationMS    *float64 `json:"duration_ms"`
}

// dbEnvelope is the /ingest/db request shape, spec.md §6.
type dbEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Project       string          `json:"project"`
	Timestamp     float64         `json:"timestamp"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
}

// Forwarder is implemented by *shipper.Shipper. ingest depends on this
// narrow interface rather than the concrete type to avoid importing
// central/shipper (which does not need to know about ingest).
type Forwarder interface {
	ForwardInBackground(ctx context.Context, rec store.Record)
}

// Handler serves /ingest/app and /ingest/db.
type Handler struct {
	Store     *store.Store
	forwarder Forwarder
}

// New builds a Handler. forwarder may be nil, in which case records are
// stored but never shipped (useful for tests that only exercise ingest).
func New(s *store.Store, forwarder Forwarder) *Handler {
	return &Handler{Store: s, forwarder: forwarder}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeValidationError(w http.ResponseWriter, errs map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation_failed", "fields": errs})
}

// IngestApp handles POST /ingest/app.
func (h *Handler) IngestApp(w http.ResponseWriter, r *http.Request) {
	project, ok := auth.ProjectFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read_failed"})
		return
	}
	if len(body) > maxBodyBytes {
		writeValidationError(w, map[string]string{"body": "exceeds maximum size"})
		return
	}

	var env appEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeValidationError(w, map[string]string{"body": "not valid JSON"})
		return
	}

	errs := map[string]string{}
	if env.CorrelationID == "" {
		errs["correlation_id"] = "required"
	}
	if env.Timestamp <= 0 {
		errs["timestamp"] = "required, must be positive"
	}
	if env.DurationMS == nil {
		errs["duration_ms"] = "required for app_agent records"
	} else if *env.DurationMS < 0 {
		errs["duration_ms"] = "must be >= 0"
	}
	if len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	rec := store.Record{
		CorrelationID: env.CorrelationID,
		Project:       project, // authoritative project per invariant 2, never env's own field
		Source:        "app_agent",
		Timestamp:     env.Timestamp,
		Payload:       string(body),
	}
	rec.DurationMS.Float64 = *env.DurationMS
	rec.DurationMS.Valid = true

	h.insertAndRespond(w, r, rec)
}

// IngestDB handles POST /ingest/db.
func (h *Handler) IngestDB(w http.ResponseWriter, r *http.Request) {
	project, ok := auth.ProjectFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read_failed"})
		return
	}

	var env dbEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeValidationError(w, map[string]string{"body": "not valid JSON"})
		return
	}

	errs := map[string]string{}
	if env.Timestamp <= 0 {
		errs["timestamp"] = "required, must be positive"
	}
	if !dbSources[env.Source] {
		errs["source"] = "must be one of pg_stat_activity, pg_stat_statements, pg_log, system_metrics"
	}
	if len(env.Data) == 0 {
		errs["data"] = "required"
	}
	if len(errs) > 0 {
		writeValidationError(w, errs)
		return
	}

	rec := store.Record{
		CorrelationID: env.CorrelationID,
		Project:       project, // authoritative, not env.Project
		Source:        "db_agent",
		Timestamp:     env.Timestamp,
		Payload:       string(body),
	}
	h.insertAndRespond(w, r, rec)
}

func (h *Handler) insertAndRespond(w http.ResponseWriter, r *http.Request, rec store.Record) {
	id, err := h.Store.Insert(r.Context(), rec)
	if err != nil {
		log.Error().Err(err).Msg("apm central: store insert failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store_error"})
		return
	}
	obsmetrics.RecordsIngestedTotal.WithLabelValues(rec.Source, "http").Inc()

	rec.ID = id
	if h.forwarder != nil {
		h.forwarder.ForwardInBackground(context.WithoutCancel(r.Context()), rec)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"row_id":         id,
		"correlation_id": rec.CorrelationID,
	})
}
