package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/concord/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
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

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			role         TEXT,
			parent       TEXT,
			capabilities TEXT,
			status       TEXT DEFAULT 'idle',
			load         REAL DEFAULT 0,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			score       REAL NOT NULL,
			scores      TEXT,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_task ON assignments(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			agent_id    TEXT,
			status      TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS barrier_outcomes (
			id           TEXT PRIMARY KEY,
			group_id     TEXT,
			action       TEXT NOT NULL,
			participants TEXT NOT NULL,
			completed    TEXT,
			failed       TEXT,
			success      BOOLEAN NOT NULL,
			timed_out    BOOLEAN NOT NULL,
			latency_ms   INTEGER NOT NULL,
			created_at   DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_barrier_outcomes_group ON barrier_outcomes(group_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS coherence_snapshots (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id      TEXT NOT NULL,
			agent_count   INTEGER NOT NULL,
			sync_rate     REAL NOT NULL,
			cohesion      REAL NOT NULL,
			conflict_rate REAL NOT NULL,
			latency_ms    INTEGER NOT NULL,
			tags          TEXT,
			degraded      BOOLEAN NOT NULL,
			created_at    DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coherence_group ON coherence_snapshots(group_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS behaviors (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id    TEXT NOT NULL,
			type        TEXT NOT NULL,
			strength    REAL NOT NULL,
			originator  TEXT,
			kind        TEXT NOT NULL,
			notified    INTEGER NOT NULL,
			details     TEXT,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_behaviors_group ON behaviors(group_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS resource_transfers (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			resource    TEXT NOT NULL,
			from_agent  TEXT,
			to_agent    TEXT,
			reason      TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_resource ON resource_transfers(resource, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalList(s sql.NullString) []string {
	var out []string
	if s.Valid && s.String != "" {
		_ = json.Unmarshal([]byte(s.String), &out)
	}
	return out
}
