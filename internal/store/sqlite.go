package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/mattn/go-sqlite3"
)

// ErrConflict is returned when SQLite refuses a write because another
// connection holds the database or a constraint was violated. Callers treat
// it as contention and retry their whole read+write cycle.
var ErrConflict = errors.New("store: write conflict")

// Store is the source of truth for the task ledger and for builds, jobs and
// job steps.
type Store struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_name TEXT NOT NULL,
		parent_id TEXT,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued','in_progress','finished')),
		result TEXT NOT NULL,
		num_retries INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL DEFAULT '{}',
		date_created INTEGER NOT NULL,
		date_modified INTEGER NOT NULL,
		date_started INTEGER,
		date_finished INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS unq_task_entity ON tasks(task_name, COALESCE(parent_id, ''), task_id);
	CREATE INDEX IF NOT EXISTS idx_task_parent ON tasks(parent_id, task_name);
	CREATE INDEX IF NOT EXISTS idx_task_status_modified ON tasks(status, date_modified);

	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		result TEXT NOT NULL,
		date_created INTEGER NOT NULL,
		date_modified INTEGER NOT NULL,
		date_finished INTEGER
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		build_id TEXT NOT NULL REFERENCES builds(id),
		project_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL,
		date_created INTEGER NOT NULL,
		date_modified INTEGER NOT NULL,
		date_started INTEGER,
		date_finished INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_job_project_status ON jobs(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_job_status_modified ON jobs(status, date_modified);

	CREATE TABLE IF NOT EXISTS jobsteps (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		project_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result TEXT NOT NULL,
		cluster TEXT,
		date_created INTEGER NOT NULL,
		date_modified INTEGER NOT NULL,
		date_started INTEGER,
		date_finished INTEGER,
		last_heartbeat INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_jobstep_status_cluster ON jobsteps(status, cluster);
	CREATE INDEX IF NOT EXISTS idx_jobstep_job ON jobsteps(job_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Tx is one unit of work. Every ledger and entity mutation goes through a
// Tx so that a failed tracked task can discard everything it wrote.
type Tx struct {
	tx *sql.Tx
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error {
	return classify(t.tx.Commit())
}

// Rollback is safe to call after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// classify maps SQLite contention and constraint failures onto ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t null.Time) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Time.UnixMilli(), Valid: true}
}

func nullTime(n sql.NullInt64) null.Time {
	if !n.Valid {
		return null.Time{}
	}
	return null.TimeFrom(fromMillis(n.Int64))
}
