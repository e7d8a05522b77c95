package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var ErrRunNotFound = errors.New("run not found")

// RunStatus is the outcome of a recorded run.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one finished execution of a task.
type Run struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Duration  string    `json:"duration"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) InsertRun(ctx context.Context, run *Run) error {
	run.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, started_at, ended_at, duration, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.Status, run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.EndedAt.UTC().Format(time.RFC3339Nano), run.Duration, nullableInt(run.ExitCode),
		run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, task_id, status, started_at, ended_at, duration, exit_code, created_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, status, started_at, ended_at, duration, exit_code, created_at
		FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunLogPath returns the absolute path for the run's combined log file.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.StateDir, "runs", runID, "combined.log")
}

// WriteRunLog stores the captured output of a run.
func (s *Store) WriteRunLog(runID, output string) error {
	path := s.RunLogPath(runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("ensure run log dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return nil
}

// PruneOldRuns removes runs and their logs beyond the retention limit for a
// task.
func (s *Store) PruneOldRuns(ctx context.Context, taskID string) error {
	if s.LogRetention <= 0 {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT -1 OFFSET ?
	`, taskID, s.LogRetention)
	if err != nil {
		return fmt.Errorf("query runs for pruning: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete run %s: %w", id, err)
		}
		_ = os.RemoveAll(filepath.Dir(s.RunLogPath(id)))
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	var (
		run       Run
		status    string
		startedAt string
		endedAt   string
		exitCode  sql.NullInt64
		createdAt string
	)
	if err := scanner.Scan(&run.ID, &run.TaskID, &status, &startedAt, &endedAt, &run.Duration, &exitCode, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = RunStatus(status)
	run.StartedAt = parseTime(startedAt)
	run.EndedAt = parseTime(endedAt)
	run.CreatedAt = parseTime(createdAt)
	if exitCode.Valid {
		val := int(exitCode.Int64)
		run.ExitCode = &val
	}
	return &run, nil
}

func parseTime(value string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, value)
	return t
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}
