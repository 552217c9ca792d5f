// Package store implements the central server's embedded relational engine:
// one profiling_records table, WAL-mode concurrent reads under a single
// writer, a forward-only migration registry, and the retention sweeper —
// grounded on the modernc.org/sqlite pragma string in the pack's
// hazyhaar-GoClode internal/core/db.go, extended with the incremental
// auto-vacuum and in-memory temp-store pragmas spec.md §4.6 requires.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the profiling record stored, forwarded, and queried — spec.md §3.
type Record struct {
	ID            int64
	CorrelationID string
	Project       string
	Source        string
	Timestamp     float64
	DurationMS    sql.NullFloat64
	Payload       string
	CreatedAt     float64
	Forwarded     int

	// Derived fields, populated at insert time from Payload rather than
	// computed as SQLite generated columns: modernc.org/sqlite's JSON1
	// support varies by build tag, while extracting these three scalars
	// in Go at write time is portable and still lets them carry their
	// own index. See DESIGN.md for the tradeoff.
	URL        sql.NullString
	HTTPMethod sql.NullString
	StatusCode sql.NullInt64
}

// Store owns the database connection and every prepared statement.
type Store struct {
	db *sql.DB

	insertStmt        *sql.Stmt
	markForwardedStmt *sql.Stmt

	lastVacuum time.Time
}

// SetLastVacuum records when the retention sweeper last ran an incremental
// vacuum, surfaced through Stats.
func (s *Store) SetLastVacuum(t time.Time) {
	s.lastVacuum = t
}

// dsn builds the modernc.org/sqlite connection string with the pragmas
// spec.md §4.6 requires: WAL journaling for concurrent reads under a
// concurrent writer, NORMAL synchronous mode, incremental auto-vacuum, a
// generous page cache, and in-memory temp tables.
func dsn(path string) string {
	return path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=auto_vacuum(INCREMENTAL)" +
		"&_pragma=cache_size(-20000)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=busy_timeout(5000)"
}

// Open opens (creating if necessary) the database at path, applies pragmas,
// and runs every pending migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The engine itself serializes writers; a single open connection per
	// process keeps that true at the database/sql pool layer too and
	// avoids SQLITE_BUSY storms under WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}
	return s, nil
}

func (s *Store) prepare() error {
	var err error
	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO profiling_records
			(correlation_id, project, source, timestamp, duration_ms, payload, created_at, forwarded, url, http_method, status_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	s.markForwardedStmt, err = s.db.Prepare(`UPDATE profiling_records SET forwarded = 1 WHERE id = ?`)
	return err
}

// Close closes every prepared statement and the underlying connection.
func (s *Store) Close() error {
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	if s.markForwardedStmt != nil {
		s.markForwardedStmt.Close()
	}
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need ad-hoc prepared
// reads of their own.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert stores rec, stamping created_at and deriving url/http_method/status
// from payload. It ignores rec.ID, rec.CreatedAt, and rec.Forwarded, which
// are assigned by the store per invariant 4 in spec.md §3 — the 0-valued
// forwarded flag is never taken from a caller-supplied field. rec.Project is
// stored as given; the ingest layer is what sets it (the authenticated
// project on HTTP, the payload's own on UDP).
func (s *Store) Insert(ctx context.Context, rec Record) (int64, error) {
	createdAt := float64(time.Now().UnixNano()) / 1e9
	url, method, status := ExtractVirtual(rec.Payload)

	res, err := s.insertStmt.ExecContext(ctx,
		rec.CorrelationID, rec.Project, rec.Source, rec.Timestamp, rec.DurationMS,
		rec.Payload, createdAt, url, method, status,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert: %w", err)
	}
	return res.LastInsertId()
}

// ByCorrelationID returns every record sharing the given correlation ID,
// ordered by timestamp, so callers can partition by source (spec.md §4.8
// GET /api/correlation/:id).
func (s *Store) ByCorrelationID(ctx context.Context, correlationID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, project, source, timestamp, duration_ms, payload, created_at, forwarded, url, http_method, status_code
		FROM profiling_records
		WHERE correlation_id = ?
		ORDER BY timestamp ASC
	`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByID returns a single record, or sql.ErrNoRows if absent.
func (s *Store) ByID(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, correlation_id, project, source, timestamp, duration_ms, payload, created_at, forwarded, url, http_method, status_code
		FROM profiling_records WHERE id = ?
	`, id)
	return scanRecord(row)
}

// UnshippedBatch returns up to limit records with forwarded = 0 in
// ascending id order — the shipper replay's strict ordering requirement
// (spec.md §5, §4.7).
func (s *Store) UnshippedBatch(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, project, source, timestamp, duration_ms, payload, created_at, forwarded, url, http_method, status_code
		FROM profiling_records
		WHERE forwarded = 0
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkForwarded flips forwarded 0 -> 1 for id, under the prepared update
// statement spec.md §4.7 calls for.
func (s *Store) MarkForwarded(ctx context.Context, id int64) error {
	_, err := s.markForwardedStmt.ExecContext(ctx, id)
	return err
}

// DistinctProjects returns every project with at least one stored record,
// ascending (spec.md §4.8 GET /api/projects).
func (s *Store) DistinctProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project FROM profiling_records ORDER BY project ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(sc rowScanner) (Record, error) {
	var r Record
	err := sc.Scan(&r.ID, &r.CorrelationID, &r.Project, &r.Source, &r.Timestamp,
		&r.DurationMS, &r.Payload, &r.CreatedAt, &r.Forwarded, &r.URL, &r.HTTPMethod, &r.StatusCode)
	return r, err
}

func scanRecord(row *sql.Row) (Record, error) {
	return scanRow(row)
}

// StoreStats is the diagnostics snapshot served by the central server's
// /api/internal/storage endpoint — grounded in the teacher's
// cmd/info.Info.Metrics process-diagnostics block, generalized from
// process metrics to storage metrics.
type StoreStats struct {
	RowCount   int64     `json:"row_count"`
	LastVacuum time.Time `json:"last_vacuum,omitempty"`
}

// Stats reports the current row count. LastVacuum is populated by the
// retention sweeper via SetLastVacuum.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiling_records`)
	if err := row.Scan(&stats.RowCount); err != nil {
		return StoreStats{}, err
	}
	stats.LastVacuum = s.lastVacuum
	return stats, nil
}
