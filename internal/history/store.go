// Package history persists one row per task attempt in a SQLite database
// so past runs can be inspected after the process exits. The scheduler
// writes through on every completion; the CLI reads it for `history
// show|stats|clear`.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/autodev/internal/models"
)

// Attempt is a single try at a task: which run it belonged to, who ran it,
// how it ended, and what it cost.
type Attempt struct {
	ID            int64
	RunID         string
	TaskID        string
	TaskName      string
	Kind          string
	WorkerID      string
	Agent         string
	Number        int // 1-based try number within the run
	Status        models.TaskStatus
	FailureReason string
	Duration      time.Duration
	Usage         models.TokenUsage
	RecordedAt    time.Time
}

// Run summarizes one scheduler start against a plan file.
type Run struct {
	RunID          string
	PlanFile       string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Outcome        string
	TasksTotal     int
	TasksSucceeded int
	TasksFailed    int
}

// KindStats aggregates attempts by task kind.
type KindStats struct {
	Kind            string
	Attempts        int
	Successes       int
	Failures        int
	SuccessRate     float64
	AvgDurationSecs float64
	TotalTokens     int64
}

// TaskCount is the per-task rollup shown by `history show`: how many tries
// a task has accumulated and how the latest one ended.
type TaskCount struct {
	TaskID       string
	Attempts     int
	LastStatus   models.TaskStatus
	LastReason   string
	LastDuration time.Duration
}

// Store is the SQLite-backed attempt log.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the history database at dbPath and
// applies pending schema migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout goes first so the remaining pragmas wait on locks held
	// by a concurrently initializing process instead of failing.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.applyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// execWithRetry retries a statement with exponential backoff while SQLite
// reports the database as locked.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// BeginRun records the start of a scheduler run.
func (s *Store) BeginRun(ctx context.Context, runID, planFile string, tasksTotal int) error {
	query := `INSERT INTO runs (run_id, plan_file, tasks_total) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, runID, planFile, tasksTotal); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun closes out a run with its outcome and final task tallies.
// Unknown run ids are ignored so a disabled or wiped store never fails
// shutdown.
func (s *Store) FinishRun(ctx context.Context, runID, outcome string, succeeded, failed int) error {
	query := `UPDATE runs
		SET finished_at = CURRENT_TIMESTAMP, outcome = ?, tasks_succeeded = ?, tasks_failed = ?
		WHERE run_id = ?`
	if _, err := s.db.ExecContext(ctx, query, outcome, succeeded, failed, runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordAttempt inserts one attempt row and fills in its assigned ID.
// The kind column is derived from the task id when the caller leaves it
// empty.
func (s *Store) RecordAttempt(ctx context.Context, a *Attempt) error {
	if a == nil {
		return fmt.Errorf("record attempt: nil attempt")
	}
	if a.Kind == "" {
		a.Kind = string(models.KindForTaskID(a.TaskID))
	}

	query := `INSERT INTO task_attempts
		(run_id, task_id, task_name, kind, worker_id, agent, attempt, status, failure_reason, duration_ms, input_tokens, output_tokens, cache_read_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		a.RunID,
		a.TaskID,
		a.TaskName,
		a.Kind,
		a.WorkerID,
		a.Agent,
		a.Number,
		string(a.Status),
		a.FailureReason,
		a.Duration.Milliseconds(),
		a.Usage.InputTokens,
		a.Usage.OutputTokens,
		a.Usage.CacheReadTokens,
	)
	if err != nil {
		return fmt.Errorf("insert task attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// Attempts returns the attempts recorded for one task, most recent first.
// A limit of zero or less returns all of them.
func (s *Store) Attempts(ctx context.Context, taskID string, limit int) ([]*Attempt, error) {
	query := attemptColumns + ` WHERE task_id = ? ORDER BY id DESC`
	args := []interface{}{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryAttempts(ctx, query, args...)
}

// Recent returns the most recently recorded attempts across all tasks.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Attempt, error) {
	query := attemptColumns + ` ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryAttempts(ctx, query, args...)
}

const attemptColumns = `SELECT id, run_id, task_id, task_name, kind, worker_id, agent, attempt, status, failure_reason, duration_ms, input_tokens, output_tokens, cache_read_tokens, recorded_at
	FROM task_attempts`

func (s *Store) queryAttempts(ctx context.Context, query string, args ...interface{}) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var taskName, workerID, agent, status, failureReason sql.NullString
		var durationMs sql.NullInt64
		err := rows.Scan(
			&a.ID,
			&a.RunID,
			&a.TaskID,
			&taskName,
			&a.Kind,
			&workerID,
			&agent,
			&a.Number,
			&status,
			&failureReason,
			&durationMs,
			&a.Usage.InputTokens,
			&a.Usage.OutputTokens,
			&a.Usage.CacheReadTokens,
			&a.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		if taskName.Valid {
			a.TaskName = taskName.String
		}
		if workerID.Valid {
			a.WorkerID = workerID.String
		}
		if agent.Valid {
			a.Agent = agent.String
		}
		if status.Valid {
			a.Status = models.TaskStatus(status.String)
		}
		if failureReason.Valid {
			a.FailureReason = failureReason.String
		}
		if durationMs.Valid {
			a.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}
	return attempts, nil
}

// Runs returns recorded runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT run_id, plan_file, started_at, finished_at, outcome, tasks_total, tasks_succeeded, tasks_failed
		FROM runs ORDER BY rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var finishedAt sql.NullTime
		var outcome sql.NullString
		err := rows.Scan(
			&r.RunID,
			&r.PlanFile,
			&r.StartedAt,
			&finishedAt,
			&outcome,
			&r.TasksTotal,
			&r.TasksSucceeded,
			&r.TasksFailed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		if outcome.Valid {
			r.Outcome = outcome.String
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// Stats aggregates attempts by task kind: counts, success rate, mean
// duration, and token totals.
func (s *Store) Stats(ctx context.Context) ([]KindStats, error) {
	query := `SELECT kind,
			COUNT(*) AS attempts,
			COUNT(CASE WHEN status = 'success' THEN 1 END) AS successes,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) AS failures,
			AVG(duration_ms) AS avg_duration,
			COALESCE(SUM(input_tokens + output_tokens + cache_read_tokens), 0) AS total_tokens
		FROM task_attempts
		GROUP BY kind
		ORDER BY attempts DESC, kind ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query kind stats: %w", err)
	}
	defer rows.Close()

	var stats []KindStats
	for rows.Next() {
		var ks KindStats
		var avgDuration sql.NullFloat64
		if err := rows.Scan(
			&ks.Kind,
			&ks.Attempts,
			&ks.Successes,
			&ks.Failures,
			&avgDuration,
			&ks.TotalTokens,
		); err != nil {
			return nil, fmt.Errorf("scan kind stats row: %w", err)
		}
		if ks.Attempts > 0 {
			ks.SuccessRate = float64(ks.Successes) / float64(ks.Attempts)
		}
		if avgDuration.Valid {
			ks.AvgDurationSecs = avgDuration.Float64 / 1000.0
		}
		stats = append(stats, ks)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kind stats: %w", err)
	}
	return stats, nil
}

// TaskCounts returns attempt counts per task with the latest outcome,
// ordered by task id.
func (s *Store) TaskCounts(ctx context.Context) ([]TaskCount, error) {
	query := `SELECT task_id,
			COUNT(*) AS attempts,
			(SELECT status FROM task_attempts t2 WHERE t2.task_id = t1.task_id ORDER BY t2.id DESC LIMIT 1),
			(SELECT failure_reason FROM task_attempts t2 WHERE t2.task_id = t1.task_id ORDER BY t2.id DESC LIMIT 1),
			(SELECT duration_ms FROM task_attempts t2 WHERE t2.task_id = t1.task_id ORDER BY t2.id DESC LIMIT 1)
		FROM task_attempts t1
		GROUP BY task_id
		ORDER BY task_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query task counts: %w", err)
	}
	defer rows.Close()

	var counts []TaskCount
	for rows.Next() {
		var tc TaskCount
		var status, reason sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&tc.TaskID, &tc.Attempts, &status, &reason, &durationMs); err != nil {
			return nil, fmt.Errorf("scan task count row: %w", err)
		}
		if status.Valid {
			tc.LastStatus = models.TaskStatus(status.String)
		}
		if reason.Valid {
			tc.LastReason = reason.String
		}
		if durationMs.Valid {
			tc.LastDuration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		counts = append(counts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task count rows: %w", err)
	}
	return counts, nil
}

// Clear deletes all recorded runs and attempts. Returns the number of
// attempt rows removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM task_attempts`)
	if err != nil {
		return 0, fmt.Errorf("delete attempts: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear: %w", err)
	}
	return deleted, nil
}
