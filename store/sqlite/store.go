package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/loomery/loom/deadline"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/workflow"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ workflow.Store      = (*Store)(nil)
	_ event.Store         = (*Store)(nil)
	_ intervention.Store  = (*Store)(nil)
	_ deadline.LeaseStore = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new SQLite store at the given path. Use ":memory:" for
// an in-memory database. The busy timeout and foreign keys are set via
// DSN parameters; WAL mode keeps readers from blocking the writer.
func New(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: open: %w", err)
	}
	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	return NewFromDB(db, opts...), nil
}

// NewFromDB creates a SQLite store from an existing *sql.DB.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// migrations are applied in order by Migrate. Statements must be
// idempotent; there is no version table.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS loom_transactions (
		id            TEXT PRIMARY KEY,
		workflow_id   TEXT NOT NULL,
		state         TEXT NOT NULL,
		input         BLOB,
		outputs       TEXT,
		decisions     TEXT,
		result        TEXT,
		waiting_step  TEXT NOT NULL DEFAULT '',
		wait_deadline TIMESTAMP,
		error         TEXT NOT NULL DEFAULT '',
		started_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loom_transactions_state
		ON loom_transactions (state)`,
	`CREATE INDEX IF NOT EXISTS idx_loom_transactions_deadline
		ON loom_transactions (wait_deadline)
		WHERE state = 'waiting-external'`,

	`CREATE TABLE IF NOT EXISTS loom_step_executions (
		id             TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES loom_transactions (id) ON DELETE CASCADE,
		step_name      TEXT NOT NULL,
		status         TEXT NOT NULL,
		attempt        INTEGER NOT NULL,
		input          TEXT,
		output         TEXT,
		error          TEXT NOT NULL DEFAULT '',
		started_at     TIMESTAMP NOT NULL,
		finished_at    TIMESTAMP,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loom_step_executions_txn
		ON loom_step_executions (transaction_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS loom_events (
		id             TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		step_name      TEXT NOT NULL,
		name           TEXT NOT NULL,
		payload        BLOB,
		acked          INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_loom_events_txn
		ON loom_events (transaction_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS loom_interventions (
		id             TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		workflow_id    TEXT NOT NULL,
		step_name      TEXT NOT NULL,
		output         TEXT,
		error          TEXT NOT NULL DEFAULT '',
		resolution     TEXT NOT NULL DEFAULT '',
		failed_at      TIMESTAMP NOT NULL,
		resolved_at    TIMESTAMP,
		created_at     TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS loom_scan_lease (
		singleton  INTEGER PRIMARY KEY CHECK (singleton = 1),
		holder     TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("loom/sqlite: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
