// Package query implements the central server's read-only Query API:
// cursor-paginated search, percentile statistics, correlation trace
// assembly, and comparison — spec.md §4.8. Every route answers with CORS
// headers permitting cross-origin reads, per the same section.
package query

import (
	"database/sql"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/crlsmrls/apmpipeline/central/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultLimit = 50
	minLimit     = 1
	maxLimit     = 100
)

// Handler serves every Query API route against a *store.Store.
type Handler struct {
	Store *store.Store
}

// New builds a Handler.
func New(s *store.Store) *Handler {
	return &Handler{Store: s}
}

// CORS sets the cross-origin headers spec.md §4.8 requires on every route.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// recordView is the JSON shape records are rendered as: the scalar columns
// plus payload re-exposed as a parsed object rather than a string, for
// dashboard convenience.
type recordView struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Project       string          `json:"project"`
	Source        string          `json:"source"`
	Timestamp     float64         `json:"timestamp"`
	DurationMS    *float64        `json:"duration_ms"`
	Payload       json.RawMessage `json:"payload"`
	Forwarded     bool            `json:"forwarded"`
	URL           *string         `json:"url,omitempty"`
	HTTPMethod    *string         `json:"http_method,omitempty"`
	StatusCode    *int64          `json:"status_code,omitempty"`
}

func toView(r store.Record) recordView {
	v := recordView{
		ID:            r.ID,
		CorrelationID: r.CorrelationID,
		Project:       r.Project,
		Source:        r.Source,
		Timestamp:     r.Timestamp,
		Payload:       json.RawMessage(r.Payload),
		Forwarded:     r.Forwarded == 1,
	}
	if r.DurationMS.Valid {
		v.DurationMS = &r.DurationMS.Float64
	}
	if r.URL.Valid {
		v.URL = &r.URL.String
	}
	if r.HTTPMethod.Valid {
		v.HTTPMethod = &r.HTTPMethod.String
	}
	if r.StatusCode.Valid {
		v.StatusCode = &r.StatusCode.Int64
	}
	return v
}

func parseOptionalFloat(s string) (*float64, bool) {
	if s == "" {
		return nil, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return &f, true
}

// Search handles GET /api/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	if limit < minLimit || limit > maxLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	filter := store.SearchFilter{
		Project:       q.Get("project"),
		Source:        q.Get("source"),
		CorrelationID: q.Get("correlation_id"),
		URL:           q.Get("url"),
		Limit:         limit,
	}

	var ok bool
	if filter.DurationMin, ok = parseOptionalFloat(q.Get("duration_min")); !ok {
		writeError(w, http.StatusBadRequest, "duration_min must be numeric")
		return
	}
	if filter.DurationMax, ok = parseOptionalFloat(q.Get("duration_max")); !ok {
		writeError(w, http.StatusBadRequest, "duration_max must be numeric")
		return
	}
	if filter.TimestampStart, ok = parseOptionalFloat(q.Get("timestamp_start")); !ok {
		writeError(w, http.StatusBadRequest, "timestamp_start must be numeric")
		return
	}
	if filter.TimestampEnd, ok = parseOptionalFloat(q.Get("timestamp_end")); !ok {
		writeError(w, http.StatusBadRequest, "timestamp_end must be numeric")
		return
	}
	if filter.After, ok = parseOptionalFloat(q.Get("after")); !ok {
		writeError(w, http.StatusBadRequest, "after must be numeric")
		return
	}

	recs, err := h.Store.Search(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}

	views := make([]recordView, len(recs))
	for i, rec := range recs {
		views[i] = toView(rec)
	}

	var cursor *float64
	if hasMore && len(recs) > 0 {
		ts := recs[len(recs)-1].Timestamp
		cursor = &ts
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records":  views,
		"has_more": hasMore,
		"cursor":   cursor,
	})
}

// Projects handles GET /api/projects.
func (h *Handler) Projects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.DistinctProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func floatOrNil(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, "project is required")
		return
	}
	url := r.URL.Query().Get("url")

	if url == "" {
		stats, err := h.Store.ProjectStats(r.Context(), project)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "stats query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"project":          project,
			"total":            stats.Total,
			"count_by_source":  stats.CountBySource,
			"min_timestamp":    floatOrNil(stats.MinTimestamp),
			"max_timestamp":    floatOrNil(stats.MaxTimestamp),
			"avg_duration_ms":  floatOrNil(stats.AvgDurationMS),
		})
		return
	}

	stats, err := h.Store.URLStats(r.Context(), project, url)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project":      project,
		"url":          url,
		"count":        stats.Count,
		"avg_duration": floatOrNil(stats.AvgMS),
		"min_duration": floatOrNil(stats.MinMS),
		"max_duration": floatOrNil(stats.MaxMS),
		"p50":          floatOrNil(stats.P50),
		"p95":          floatOrNil(stats.P95),
		"p99":          floatOrNil(stats.P99),
	})
}

// Compare handles GET /api/compare.
func (h *Handler) Compare(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}

	recs, err := h.Store.ByCorrelationID(r.Context(), correlationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	var subject *store.Record
	for i := range recs {
		if recs[i].DurationMS.Valid {
			subject = &recs[i]
			break
		}
	}
	if subject == nil || !subject.URL.Valid {
		writeError(w, http.StatusNotFound, "no timed request found for correlation_id")
		return
	}

	slower, total, err := h.Store.SlowerCount(r.Context(), subject.Project, subject.URL.String, subject.DurationMS.Float64)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compare query failed")
		return
	}
	if total == 0 {
		writeError(w, http.StatusNotFound, "no sample set for this URL")
		return
	}

	avg, err := h.Store.AvgDuration(r.Context(), subject.Project, subject.URL.String)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "compare query failed")
		return
	}

	rank := int(math.Round(float64(slower) / float64(total) * 100))

	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id":      correlationID,
		"url":                 subject.URL.String,
		"duration_ms":         subject.DurationMS.Float64,
		"average_duration_ms": floatOrNil(avg),
		"percentile_rank":     rank,
		"faster_than_percent": 100 - rank,
		"sample_size":         total,
	})
}

// correlationBucket partitions records sharing a correlation ID into an
// app-request row, SQL query rows, and anything else.
type correlationBucket struct {
	AppRequest *recordView  `json:"app_request"`
	SQLQueries []recordView `json:"sql_queries"`
	Other      []recordView `json:"other_records"`
}

// Correlation handles GET /api/correlation/:id.
func (h *Handler) Correlation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "correlation id is required")
		return
	}

	recs, err := h.Store.ByCorrelationID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound, "no records for correlation_id")
		return
	}

	bucket := correlationBucket{}
	var appCount, dbCount int
	var totalSQLMS float64
	for _, rec := range recs {
		view := toView(rec)
		switch rec.Source {
		case "app_agent":
			appCount++
			v := view
			bucket.AppRequest = &v
		case "db_agent":
			dbCount++
			bucket.SQLQueries = append(bucket.SQLQueries, view)
			if rec.DurationMS.Valid {
				totalSQLMS += rec.DurationMS.Float64
			}
		default:
			bucket.Other = append(bucket.Other, view)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id": id,
		"php_request":     bucket.AppRequest,
		"sql_queries":     orEmpty(bucket.SQLQueries),
		"other_records":   orEmpty(bucket.Other),
		"summary": map[string]any{
			"total_records":     len(recs),
			"app_count":         appCount,
			"db_count":          dbCount,
			"total_sql_time_ms": totalSQLMS,
		},
	})
}

func orEmpty(v []recordView) []recordView {
	if v == nil {
		return []recordView{}
	}
	return v
}
