package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SearchFilter holds the accepted /api/search filters from spec.md §4.8.
// Zero-value fields are simply not applied as predicates.
type SearchFilter struct {
	Project         string
	Source          string
	CorrelationID   string
	URL             string
	DurationMin     *float64
	DurationMax     *float64
	TimestampStart  *float64
	TimestampEnd    *float64
	After           *float64 // cursor: exclusive upper bound on timestamp, descending order
	Limit           int
}

// Search returns up to filter.Limit+1 records (the "fetch one extra to
// determine hasMore" trick spec.md §4.8 mandates in place of OFFSET
// pagination), ordered by timestamp descending.
func (s *Store) Search(ctx context.Context, f SearchFilter) ([]Record, error) {
	var where []string
	var args []any

	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.URL != "" {
		where = append(where, "url LIKE ?")
		args = append(args, "%"+f.URL+"%")
	}
	if f.DurationMin != nil {
		where = append(where, "duration_ms >= ?")
		args = append(args, *f.DurationMin)
	}
	if f.DurationMax != nil {
		where = append(where, "duration_ms <= ?")
		args = append(args, *f.DurationMax)
	}
	if f.TimestampStart != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *f.TimestampStart)
	}
	if f.TimestampEnd != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *f.TimestampEnd)
	}
	if f.After != nil {
		where = append(where, "timestamp < ?")
		args = append(args, *f.After)
	}

	query := `
		SELECT id, correlation_id, project, source, timestamp, duration_ms, payload, created_at, forwarded, url, http_method, status_code
		FROM profiling_records
	`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC LIMIT ?"
	args = append(args, f.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ProjectStats is the project-wide aggregate GET /api/stats returns when no
// url filter is supplied.
type ProjectStats struct {
	Total          int64
	CountBySource  map[string]int64
	MinTimestamp   sql.NullFloat64
	MaxTimestamp   sql.NullFloat64
	AvgDurationMS  sql.NullFloat64
}

// ProjectStats computes the project-wide aggregate.
func (s *Store) ProjectStats(ctx context.Context, project string) (ProjectStats, error) {
	stats := ProjectStats{CountBySource: make(map[string]int64)}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp), AVG(duration_ms)
		FROM profiling_records WHERE project = ?
	`, project)
	if err := row.Scan(&stats.Total, &stats.MinTimestamp, &stats.MaxTimestamp, &stats.AvgDurationMS); err != nil {
		return ProjectStats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) FROM profiling_records WHERE project = ? GROUP BY source
	`, project)
	if err != nil {
		return ProjectStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var count int64
		if err := rows.Scan(&src, &count); err != nil {
			return ProjectStats{}, err
		}
		stats.CountBySource[src] = count
	}
	return stats, rows.Err()
}

// URLStats is the URL-specific aggregate GET /api/stats returns with a url filter.
type URLStats struct {
	Count      int64
	AvgMS      sql.NullFloat64
	MinMS      sql.NullFloat64
	MaxMS      sql.NullFloat64
	P50, P95, P99 sql.NullFloat64
}

// URLStats computes count/avg/min/max plus the p50/p95/p99 percentiles for
// a single URL within a project, using the portable LIMIT/OFFSET percentile
// technique spec.md §4.8 and §9 both specify in place of an optional
// native percentile aggregate.
func (s *Store) URLStats(ctx context.Context, project, url string) (URLStats, error) {
	var stats URLStats
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(duration_ms), MIN(duration_ms), MAX(duration_ms)
		FROM profiling_records WHERE project = ? AND url = ? AND duration_ms IS NOT NULL
	`, project, url)
	if err := row.Scan(&stats.Count, &stats.AvgMS, &stats.MinMS, &stats.MaxMS); err != nil {
		return URLStats{}, err
	}
	if stats.Count == 0 {
		return stats, nil
	}

	var err error
	stats.P50, err = s.percentile(ctx, project, url, stats.Count, 0.50)
	if err != nil {
		return URLStats{}, err
	}
	stats.P95, err = s.percentile(ctx, project, url, stats.Count, 0.95)
	if err != nil {
		return URLStats{}, err
	}
	stats.P99, err = s.percentile(ctx, project, url, stats.Count, 0.99)
	if err != nil {
		return URLStats{}, err
	}
	return stats, nil
}

// percentile computes offset = floor(count * p) - 1, clamped to
// [0, count-1], then fetches the single row at that offset in ascending
// duration order. spec.md §4.8 states the formula as floor(count*p); taken
// literally against a 0-based OFFSET that names the (count*p)-th smallest
// value rather than the (count*p+1)-th, so the -1 here is what actually
// reproduces the worked example in spec.md §8/S6 (100 rows, duration_ms
// 1..100 -> p50=50, p95=95, p99=99).
func (s *Store) percentile(ctx context.Context, project, url string, count int64, p float64) (sql.NullFloat64, error) {
	offset := int64(float64(count)*p) - 1
	if offset >= count {
		offset = count - 1
	}
	if offset < 0 {
		offset = 0
	}

	var v sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `
		SELECT duration_ms FROM profiling_records
		WHERE project = ? AND url = ? AND duration_ms IS NOT NULL
		ORDER BY duration_ms ASC
		LIMIT 1 OFFSET ?
	`, project, url, offset)
	if err := row.Scan(&v); err != nil {
		return sql.NullFloat64{}, err
	}
	return v, nil
}

// SlowerCount returns how many rows for the same project/url had a strictly
// greater duration_ms than threshold, and the total row count with a
// non-null duration for that project/url — the inputs to GET /api/compare's
// percentile_rank calculation.
func (s *Store) SlowerCount(ctx context.Context, project, url string, threshold float64) (slower, total int64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN duration_ms > ? THEN 1 END),
			COUNT(*)
		FROM profiling_records WHERE project = ? AND url = ? AND duration_ms IS NOT NULL
	`, threshold, project, url)
	err = row.Scan(&slower, &total)
	return
}

// AvgDuration returns the average duration_ms for a project/url pair.
func (s *Store) AvgDuration(ctx context.Context, project, url string) (sql.NullFloat64, error) {
	var avg sql.NullFloat64
	row := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms) FROM profiling_records WHERE project = ? AND url = ? AND duration_ms IS NOT NULL
	`, project, url)
	err := row.Scan(&avg)
	return avg, err
}
