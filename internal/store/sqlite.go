// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles connection setup, schema creation, idempotent migrations and shared scan helpers

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout and foreign_keys are per-connection, so they go in the DSN
	// where every pooled connection picks them up.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS modules (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL,
			owner_id    TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS services (
			id            TEXT PRIMARY KEY,
			module_id     TEXT,
			name          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'stopped',
			stream_path   TEXT NOT NULL,
			protocol      TEXT NOT NULL DEFAULT 'sse',
			enabled       INTEGER NOT NULL DEFAULT 0,
			auth_required INTEGER NOT NULL DEFAULT 1,
			owner_id      TEXT NOT NULL DEFAULT '',
			visibility    TEXT NOT NULL DEFAULT 'private',
			params_json   TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('stopped', 'running', 'error')),
			CHECK (protocol IN ('sse', 'websocket')),
			CHECK (visibility IN ('public', 'private'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_services_module
			ON services(module_id) WHERE module_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_services_stream_path ON services(stream_path);
		CREATE INDEX IF NOT EXISTS idx_services_enabled ON services(enabled);

		CREATE TABLE IF NOT EXISTS service_secrets (
			id          TEXT PRIMARY KEY,
			service_id  TEXT NOT NULL,
			secret_key  TEXT NOT NULL UNIQUE,
			name        TEXT NOT NULL,
			active      INTEGER NOT NULL DEFAULT 1,
			expires_at  TEXT,
			limit_count INTEGER NOT NULL DEFAULT 0,
			creator_id  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			deleted_at  TEXT,

			CHECK (limit_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_service_secrets_service ON service_secrets(service_id);

		CREATE TABLE IF NOT EXISTS secret_daily_usage (
			id             TEXT PRIMARY KEY,
			secret_id      TEXT NOT NULL,
			day            TEXT NOT NULL,
			total_count    INTEGER NOT NULL DEFAULT 0,
			success_count  INTEGER NOT NULL DEFAULT 0,
			error_count    INTEGER NOT NULL DEFAULT 0,
			last_access_at TEXT NOT NULL,

			UNIQUE (secret_id, day)
		);

		CREATE TABLE IF NOT EXISTS access_logs (
			id           TEXT PRIMARY KEY,
			service_id   TEXT NOT NULL,
			secret_id    TEXT,
			client_addr  TEXT NOT NULL DEFAULT '',
			user_agent   TEXT NOT NULL DEFAULT '',
			method       TEXT NOT NULL DEFAULT '',
			path         TEXT NOT NULL DEFAULT '',
			success      INTEGER NOT NULL,
			error_code   INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT,
			headers_json TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_access_logs_created ON access_logs(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_access_logs_service ON access_logs(service_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_access_logs_secret ON access_logs(secret_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "services",
			column: "last_error",
			apply:  `ALTER TABLE services ADD COLUMN last_error TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts an empty string to nil for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ptrToString returns the dereferenced string or empty string if nil.
func ptrToString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// formatTime renders a timestamp the way every table stores it.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// nullTime renders an optional timestamp for a nullable column.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses a stored timestamp, logging rather than failing on corrupt rows.
func (s *SQLiteStore) parseTime(raw, field, id string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("failed to parse timestamp", "field", field, "id", id, "error", err)
		return time.Time{}
	}
	return parsed
}

// parseNullTime parses an optional stored timestamp.
func (s *SQLiteStore) parseNullTime(raw sql.NullString, field, id string) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := s.parseTime(raw.String, field, id)
	return &t
}

// boolToInt maps Go booleans onto SQLite INTEGER columns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
