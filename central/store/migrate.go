package store

import (
	"database/sql"
	"fmt"
)

// migration is one named, idempotent, forward-only step in the registry.
// Each Up func must detect pre-existing columns/indexes and skip rather
// than error, per spec.md §4.6, so re-running a migration that already
// applied is a no-op.
type migration struct {
	Name string
	Up   func(*sql.Tx) error
}

var migrations = []migration{
	{Name: "001_create_profiling_records", Up: migrate001},
	{Name: "002_add_forwarded_column", Up: migrate002},
	{Name: "003_create_indexes", Up: migrate003},
}

// migrate applies every migration in migrations not yet recorded in the
// migrations table, each inside its own transaction.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			name TEXT PRIMARY KEY,
			applied_at REAL NOT NULL DEFAULT (strftime('%s','now'))
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query(`SELECT name FROM migrations`)
	if err != nil {
		return fmt.Errorf("read migrations table: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Name] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %s: begin: %w", m.Name, err)
		}
		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (name) VALUES (?)`, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: record applied: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %s: commit: %w", m.Name, err)
		}
	}
	return nil
}

// migrate001 creates the base table without the forwarded column: that
// column is introduced by migrate002 to exercise the spec's "pre-existing
// rows default to 1, new rows default to 0" rule as a literal ALTER TABLE
// step, not just an initial CREATE TABLE default.
func migrate001(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS profiling_records (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL,
			project        TEXT NOT NULL,
			source         TEXT NOT NULL,
			timestamp      REAL NOT NULL,
			duration_ms    REAL,
			payload        TEXT NOT NULL,
			created_at     REAL NOT NULL,
			url            TEXT,
			http_method    TEXT,
			status_code    INTEGER
		)
	`)
	return err
}

// migrate002 adds the forwarded column. SQLite's ALTER TABLE ADD COLUMN
// backfills every pre-existing row with the column default (1 here,
// satisfying invariant 4's "historical data is considered already
// delivered"); the store's Insert statement always supplies an explicit 0
// for newly inserted rows, overriding that schema default as spec.md §3
// requires.
func migrate002(tx *sql.Tx) error {
	if hasColumn(tx, "profiling_records", "forwarded") {
		return nil
	}
	_, err := tx.Exec(`ALTER TABLE profiling_records ADD COLUMN forwarded INTEGER NOT NULL DEFAULT 1`)
	return err
}

func migrate003(tx *sql.Tx) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_records_correlation_id ON profiling_records(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_project_timestamp ON profiling_records(project, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_records_duration_ms ON profiling_records(duration_ms) WHERE duration_ms IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_records_source_timestamp ON profiling_records(source, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created_at ON profiling_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_forwarded_id ON profiling_records(forwarded, id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_url ON profiling_records(url)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func hasColumn(tx *sql.Tx, table, column string) bool {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
