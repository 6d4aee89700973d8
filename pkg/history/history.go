// Package history persists deploy outcomes in a local SQLite database.
//
// Every finished run is recorded, successful or not, so operators can
// answer "what is deployed right now and how did it get there" without
// scraping job logs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Deployment is one recorded deploy run.
type Deployment struct {
	ID              int64
	JobID           string
	Service         string
	Branch          string
	CommitSHA       string
	ReleaseID       string
	FinalState      string
	RolledBackTo    string
	ArchiveLocation string
	Error           string
	DurationMS      int64
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Store is a SQLite-backed deployment history.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the history database.
//
// Parent directories of local paths are created. WAL and a busy timeout
// are applied for predictable CLI behavior; the pool is pinned to one
// connection to avoid lock contention between the agent and the CLI.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history: database path is required")
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create database dir: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	if path != ":memory:" {
		if err := configure(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func configure(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("history: enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("history: set busy timeout: %w", err)
	}
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id           TEXT NOT NULL,
	service          TEXT NOT NULL,
	branch           TEXT NOT NULL DEFAULT '',
	commit_sha       TEXT NOT NULL DEFAULT '',
	release_id       TEXT NOT NULL DEFAULT '',
	final_state      TEXT NOT NULL,
	rolled_back_to   TEXT NOT NULL DEFAULT '',
	archive_location TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	duration_ms      INTEGER NOT NULL DEFAULT 0,
	started_at       TEXT NOT NULL,
	finished_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_service ON deployments(service, finished_at DESC);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("history: ensure schema: %w", err)
	}
	return nil
}

// Record inserts a finished deploy run.
func (s *Store) Record(ctx context.Context, d *Deployment) error {
	if d == nil {
		return errors.New("history: deployment is nil")
	}
	if d.JobID == "" || d.Service == "" || d.FinalState == "" {
		return errors.New("history: job_id, service, and final_state are required")
	}

	const q = `
INSERT INTO deployments
	(job_id, service, branch, commit_sha, release_id, final_state,
	 rolled_back_to, archive_location, error, duration_ms, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, q,
		d.JobID, d.Service, d.Branch, d.CommitSHA, d.ReleaseID, d.FinalState,
		d.RolledBackTo, d.ArchiveLocation, d.Error, d.DurationMS,
		d.StartedAt.UTC().Format(time.RFC3339Nano),
		d.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: record deployment: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		d.ID = id
	}
	return nil
}

// List returns recorded runs, newest first. An empty service matches all
// services. A non-positive limit returns everything.
func (s *Store) List(ctx context.Context, service string, limit int) ([]Deployment, error) {
	q := `
SELECT id, job_id, service, branch, commit_sha, release_id, final_state,
       rolled_back_to, archive_location, error, duration_ms, started_at, finished_at
FROM deployments`
	var args []any
	if service != "" {
		q += " WHERE service = ?"
		args = append(args, service)
	}
	q += " ORDER BY finished_at DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Last returns the most recent run for a service, or nil when none exists.
func (s *Store) Last(ctx context.Context, service string) (*Deployment, error) {
	runs, err := s.List(ctx, service, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanDeployment(rows *sql.Rows) (*Deployment, error) {
	var d Deployment
	var startedAt, finishedAt string
	if err := rows.Scan(
		&d.ID, &d.JobID, &d.Service, &d.Branch, &d.CommitSHA, &d.ReleaseID,
		&d.FinalState, &d.RolledBackTo, &d.ArchiveLocation, &d.Error,
		&d.DurationMS, &startedAt, &finishedAt,
	); err != nil {
		return nil, fmt.Errorf("history: scan deployment: %w", err)
	}

	var err error
	if d.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("history: parse started_at: %w", err)
	}
	if d.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("history: parse finished_at: %w", err)
	}
	return &d, nil
}
