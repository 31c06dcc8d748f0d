// Package store persists requests, trust sessions, grants, accounts, output
// pages and the command history trail. SQLite is the default backend;
// postgres:// and mysql:// DSNs select the matching driver. All writes that
// race the approver use conditional updates so a decision lands exactly once.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a conditional update lost the race.
	ErrConflict = errors.New("store: conflict")
	// ErrExpired means the row exists but its TTL has passed.
	ErrExpired = errors.New("store: expired")
)

// Store wraps the database handle. It is safe for concurrent use.
type Store struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// Open connects to the backend named by the DSN and ensures the schema.
// Plain paths and file: DSNs open SQLite; postgres://, postgresql:// and
// mysql:// select their drivers.
func Open(dsn string) (*Store, error) {
	driver, cleaned := driverForDSN(dsn)
	db, err := sql.Open(driver, cleaned)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set journal_mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	s := &Store{db: db, postgres: driver == "pgx", now: time.Now}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func driverForDSN(dsn string) (driver, cleaned string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://")
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite", strings.TrimPrefix(dsn, "sqlite://")
	default:
		return "sqlite", dsn
	}
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for postgres. SQLite and MySQL take
// queries as written.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			request_id      TEXT PRIMARY KEY,
			type            TEXT NOT NULL DEFAULT 'command',
			command         TEXT,
			source          TEXT,
			account_id      TEXT,
			reason          TEXT,
			status          TEXT NOT NULL,
			result          TEXT,
			display_summary TEXT,
			payload         TEXT,
			risk_score      INTEGER,
			risk_decision   TEXT,
			paged           INTEGER NOT NULL DEFAULT 0,
			total_pages     INTEGER NOT NULL DEFAULT 0,
			output_length   INTEGER NOT NULL DEFAULT 0,
			approver        TEXT,
			approved_at     TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			expires_at      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_source_created ON requests(source, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at)`,

		`CREATE TABLE IF NOT EXISTS trust_sessions (
			trust_id      TEXT PRIMARY KEY,
			trust_scope   TEXT NOT NULL,
			source        TEXT NOT NULL,
			account_id    TEXT NOT NULL,
			approved_by   TEXT,
			command_count INTEGER NOT NULL DEFAULT 0,
			max_commands  INTEGER NOT NULL,
			upload_count  INTEGER NOT NULL DEFAULT 0,
			max_uploads   INTEGER NOT NULL DEFAULT 0,
			upload_bytes  INTEGER NOT NULL DEFAULT 0,
			revoked       INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trust_scope ON trust_sessions(trust_scope, source, account_id)`,

		`CREATE TABLE IF NOT EXISTS grants (
			grant_id             TEXT PRIMARY KEY,
			source               TEXT NOT NULL,
			account_id           TEXT NOT NULL,
			status               TEXT NOT NULL,
			reason               TEXT,
			approver             TEXT,
			mode                 TEXT,
			allow_repeat         INTEGER NOT NULL DEFAULT 0,
			ttl_minutes          INTEGER NOT NULL DEFAULT 30,
			details              TEXT NOT NULL,
			granted              TEXT NOT NULL DEFAULT '[]',
			used                 TEXT NOT NULL DEFAULT '{}',
			total_executions     INTEGER NOT NULL DEFAULT 0,
			max_total_executions INTEGER NOT NULL DEFAULT 50,
			created_at           TEXT NOT NULL,
			approved_at          TEXT,
			expires_at           TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_grants_source ON grants(source, account_id)`,

		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			role_arn   TEXT NOT NULL,
			enabled    INTEGER NOT NULL DEFAULT 1,
			added_by   TEXT,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS output_pages (
			page_id     TEXT PRIMARY KEY,
			request_id  TEXT NOT NULL,
			page_num    INTEGER NOT NULL,
			total_pages INTEGER NOT NULL DEFAULT 0,
			content     TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_request ON output_pages(request_id)`,

		`CREATE TABLE IF NOT EXISTS command_history (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			source       TEXT NOT NULL,
			command      TEXT NOT NULL,
			service      TEXT,
			action       TEXT,
			resource_ids TEXT,
			account_id   TEXT,
			created_at   TEXT NOT NULL,
			expires_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_source_created ON command_history(source, created_at)`,
	}
	if s.postgres {
		// postgres spells autoincrement differently
		for i, stmt := range stmts {
			stmts[i] = strings.Replace(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
