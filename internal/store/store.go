// Package store is the shared coordination store for flows, tasks, agents,
// context entries and swarm updates. Every call is funneled through a single
// mutex so a multi-row write is never interleaved with a read.
package store

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mtzanidakis/swarmflow/internal/config"
	_ "modernc.org/sqlite"
)

var (
	ErrInsertFailed = errors.New("insert failed")
	ErrUpdateFailed = errors.New("update failed")
	ErrDeleteFailed = errors.New("delete failed")
	ErrQueryFailed  = errors.New("query failed")

	// ErrNotFound is wrapped by update and delete kinds when no row matched.
	ErrNotFound = errors.New("not found")
)

// opError tags a driver error with its taxonomy kind so callers can use
// errors.Is against both.
func opError(kind error, op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id                   TEXT PRIMARY KEY,
			macro_goal           TEXT NOT NULL,
			execution_strategy   TEXT NOT NULL,
			total_estimated_time TEXT,
			status               TEXT NOT NULL,
			created_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                 TEXT PRIMARY KEY,
			flow_id            TEXT NOT NULL REFERENCES flows(id),
			position           INTEGER NOT NULL,
			title              TEXT NOT NULL,
			description        TEXT,
			type               TEXT NOT NULL,
			effort             INTEGER NOT NULL,
			dependencies       TEXT,
			estimated_duration TEXT,
			prerequisites      TEXT,
			deliverable        TEXT,
			status             TEXT NOT NULL,
			assigned_agent     TEXT,
			result             TEXT,
			started_at         DATETIME,
			completed_at       DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_flow ON tasks(flow_id, position)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			flow_id         TEXT NOT NULL REFERENCES flows(id),
			specialization  TEXT NOT NULL,
			status          TEXT NOT NULL,
			current_task_id TEXT REFERENCES tasks(id),
			workload        REAL NOT NULL DEFAULT 0,
			efficiency      REAL NOT NULL DEFAULT 1,
			created_at      DATETIME NOT NULL,
			updated_at      DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_entries (
			id         TEXT PRIMARY KEY,
			flow_id    TEXT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_flow ON context_entries(flow_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS swarm_updates (
			id        TEXT PRIMARY KEY,
			flow_id   TEXT NOT NULL,
			agent_id  TEXT,
			type      TEXT NOT NULL,
			content   TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_flow ON swarm_updates(flow_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_goals (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			goal         TEXT NOT NULL,
			schedule     TEXT NOT NULL,
			status       TEXT DEFAULT 'active',
			next_run_at  DATETIME,
			last_run_at  DATETIME,
			last_status  TEXT,
			last_error   TEXT,
			last_flow_id TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_next_run ON scheduled_goals(status, next_run_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// joinList encodes items as one CSV record so entries may contain commas.
func joinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	w.Write(items) // strings.Builder does not fail
	w.Flush()
	return strings.TrimSuffix(sb.String(), "\n")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	r := csv.NewReader(strings.NewReader(s))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if err != nil {
		fields = strings.Split(s, ",")
	}
	var out []string
	for _, part := range fields {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// expectRow turns a zero RowsAffected into ErrNotFound under kind.
func expectRow(res sql.Result, kind error, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return opError(kind, op, err)
	}
	if n == 0 {
		return opError(kind, op, ErrNotFound)
	}
	return nil
}
