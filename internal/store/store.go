// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists job-tracking rows and tool-execution audit rows
// in SQLite.
//
// The store is an at-least-once-consistent side channel, not a source of
// truth for in-memory pool or circuit state: the broker owns job dispatch,
// the store only makes job status observable and recoverable across
// process restarts.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	ferrylog "github.com/tombee/ferry/internal/log"
)

// JobStatus is the lifecycle state of a tracked job.
type JobStatus string

const (
	// StatusPending means the job is enqueued but not yet picked up.
	StatusPending JobStatus = "PENDING"
	// StatusActive means a worker is processing the job.
	StatusActive JobStatus = "ACTIVE"
	// StatusCompleted means the job finished successfully.
	StatusCompleted JobStatus = "COMPLETED"
	// StatusFailed means the job exhausted its attempts or was orphaned.
	StatusFailed JobStatus = "FAILED"
)

// ErrJobNotFound is returned when no tracking row exists for an id.
var ErrJobNotFound = errors.New("job not found")

// JobRecord is one row of the jobs tracking table.
type JobRecord struct {
	ID          string
	Queue       string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	ResultJSON  string
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ToolExecution is one row of the tool-execution audit table.
type ToolExecution struct {
	ID            string
	SessionID     string
	Tool          string
	ArgumentsJSON string
	IsError       bool
	Duration      time.Duration
	ExecutedAt    time.Time
}

// Config contains configuration for the SQLite store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Store is the SQLite-backed tracking store.
//
// WAL mode is enabled for concurrent readers alongside the single writer;
// the connection pool is kept small because job tracking is low volume.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at cfg.Path and runs
// migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connStr := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: ferrylog.WithComponent(logger, "store"),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempts INTEGER NOT NULL DEFAULT 0,
			result_json TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			arguments_json TEXT NOT NULL DEFAULT '{}',
			is_error INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			executed_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_status
			ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue_status
			ON jobs(queue, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_executions_tool
			ON tool_executions(tool)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateJob inserts a PENDING tracking row.
func (s *Store) CreateJob(ctx context.Context, id, queue, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, payload_json, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, queue, payloadJSON, StatusPending, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", id, err)
	}
	return nil
}

// MarkJobActive transitions a job to ACTIVE and records the attempt count.
// Re-marking on a retry attempt updates the count in place.
func (s *Store) MarkJobActive(ctx context.Context, id string, attempt int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, started_at = ? WHERE id = ?`,
		StatusActive, attempt, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %s active: %w", id, err)
	}
	return checkAffected(res, id)
}

// CompleteJob transitions a job to COMPLETED with its serialized result.
func (s *Store) CompleteJob(ctx context.Context, id, resultJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_json = ?, finished_at = ? WHERE id = ?`,
		StatusCompleted, resultJSON, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// FailJob transitions a job to FAILED with the captured error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		StatusFailed, errMsg, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", id, err)
	}
	return checkAffected(res, id)
}

// GetJob returns the tracking row for id.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, payload_json, status, attempts,
		        COALESCE(result_json, ''), COALESCE(error, ''),
		        created_at, COALESCE(started_at, ''), COALESCE(finished_at, '')
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns up to limit jobs, newest first, optionally filtered by
// status. An empty status matches all.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, queue, payload_json, status, attempts,
	                 COALESCE(result_json, ''), COALESCE(error, ''),
	                 created_at, COALESCE(started_at, ''), COALESCE(finished_at, '')
	          FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RecoverOrphans marks jobs left PENDING or ACTIVE by a previous process
// as FAILED. The in-process broker is not durable, so rows stranded in a
// non-terminal state can never make progress after a restart. Returns the
// number of rows recovered.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		StatusFailed, "orphaned by process restart", formatTime(time.Now()),
		StatusPending, StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("recovered orphaned jobs", "count", n)
	}
	return int(n), nil
}

// RecordToolExecution inserts an audit row for a completed tool call.
// An empty ID is assigned a fresh uuid.
func (s *Store) RecordToolExecution(ctx context.Context, exec *ToolExecution) error {
	id := exec.ID
	if id == "" {
		id = uuid.New().String()
	}
	executedAt := exec.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	args := exec.ArgumentsJSON
	if args == "" {
		args = "{}"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_executions
		 (id, session_id, tool, arguments_json, is_error, duration_ms, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, exec.SessionID, exec.Tool, args,
		boolToInt(exec.IsError), exec.Duration.Milliseconds(), formatTime(executedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record tool execution: %w", err)
	}
	return nil
}

// ListToolExecutions returns up to limit audit rows, newest first,
// optionally filtered by tool name.
func (s *Store) ListToolExecutions(ctx context.Context, tool string, limit int) ([]*ToolExecution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, session_id, tool, arguments_json, is_error, duration_ms, executed_at
	          FROM tool_executions`
	args := []any{}
	if tool != "" {
		query += ` WHERE tool = ?`
		args = append(args, tool)
	}
	query += ` ORDER BY executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool executions: %w", err)
	}
	defer rows.Close()

	var execs []*ToolExecution
	for rows.Next() {
		var e ToolExecution
		var isError int
		var durationMs int64
		var executedAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Tool, &e.ArgumentsJSON,
			&isError, &durationMs, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool execution: %w", err)
		}
		e.IsError = isError != 0
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.ExecutedAt = parseTime(executedAt)
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*JobRecord, error) {
	var job JobRecord
	var createdAt, startedAt, finishedAt string
	err := row.Scan(&job.ID, &job.Queue, &job.PayloadJSON, &job.Status, &job.Attempts,
		&job.ResultJSON, &job.Error, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseTime(startedAt)
	job.FinishedAt = parseTime(finishedAt)
	return &job, nil
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
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
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
