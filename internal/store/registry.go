package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskcron/internal/core"
	"taskcron/internal/cronspec"
)

// Registry is a core.Registry kept in a SQLite file so that several local
// processes can share it. Every mutator is a single statement, which makes
// it atomic for its row.
type Registry struct {
	db       *sql.DB
	path     string
	capacity int
	clock    core.Clock
}

var _ core.Registry = (*Registry)(nil)

// CreateRegistry starts an empty registry at path, discarding any table left
// behind by a previous process.
func CreateRegistry(ctx context.Context, path string, capacity int, clock core.Clock) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure registry dir: %w", err)
	}
	if err := removeSQLite(path); err != nil {
		return nil, fmt.Errorf("remove stale registry: %w", err)
	}
	return OpenRegistry(ctx, path, capacity, clock)
}

// OpenRegistry attaches to the registry at path.
func OpenRegistry(ctx context.Context, path string, capacity int, clock core.Clock) (*Registry, error) {
	db, err := openSQLite(ctx, path, registryMigrations)
	if err != nil {
		return nil, err
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Registry{db: db, path: path, capacity: capacity, clock: clock}, nil
}

// Close releases the connection; the file stays for other processes.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Destroy closes the registry and removes its file.
func (r *Registry) Destroy() error {
	return errors.Join(r.db.Close(), removeSQLite(r.path))
}

// Path returns the database file location.
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) Capacity() int {
	return r.capacity
}

func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check task: %w", err)
	}
	return true, nil
}

func (r *Registry) Add(ctx context.Context, id string, def core.TaskDef) error {
	task, err := core.NewTask(id, def, r.clock.Time())
	if err != nil {
		return err
	}
	s := task.Schedule
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, command, is_loop, cron, second_mask, minute_mask, hour_mask, day_mask, month_mask, weekday_mask,
			single_instance, enabled, next_run_time)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(1) FROM tasks) < ?
	`, task.ID, task.Command, task.IsLoop, task.CronExpr,
		int64(s.Second), int64(s.Minute), int64(s.Hour), int64(s.Day), int64(s.Month), int64(s.Weekday),
		task.SingleInstance, task.Enabled, task.NextRunTime, r.capacity)
	if err != nil {
		var se *sqlite.Error
		// The id column is the only constraint an insert can violate.
		if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return core.ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert task rows: %w", err)
	}
	if rows == 0 {
		if ok, err := r.Exists(ctx, id); err == nil && ok {
			return core.ErrAlreadyExists
		}
		return core.ErrCapacityExceeded
	}
	return nil
}

func (r *Registry) Update(ctx context.Context, id string, def core.TaskDef) error {
	expr, s, next, err := def.Compile(r.clock.Time())
	if err != nil {
		return err
	}
	return r.exec(ctx, "update task", `
		UPDATE tasks
		SET command = ?, is_loop = ?, cron = ?, second_mask = ?, minute_mask = ?, hour_mask = ?, day_mask = ?,
			month_mask = ?, weekday_mask = ?, single_instance = ?, next_run_time = ?
		WHERE id = ?
	`, def.Command, def.IsLoop, expr,
		int64(s.Second), int64(s.Minute), int64(s.Hour), int64(s.Day), int64(s.Month), int64(s.Weekday),
		def.SingleInstance, next, id)
}

func (r *Registry) Get(ctx context.Context, id string) (*core.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, "delete task", `DELETE FROM tasks WHERE id = ?`, id)
}

func (r *Registry) List(ctx context.Context) ([]*core.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *Registry) SetRunning(ctx context.Context, id string, running bool) error {
	if running {
		return r.exec(ctx, "set running", `UPDATE tasks SET running = running + 1 WHERE id = ?`, id)
	}
	return r.exec(ctx, "clear running", `UPDATE tasks SET running = MAX(running - 1, 0) WHERE id = ?`, id)
}

func (r *Registry) SetNextRunTime(ctx context.Context, id string, next int64) error {
	return r.exec(ctx, "update next_run_time", `UPDATE tasks SET next_run_time = ? WHERE id = ?`, next, id)
}

func (r *Registry) RecordResult(ctx context.Context, id string, success bool, startTime int64) error {
	succeeded, failed := 0, 1
	if success {
		succeeded, failed = 1, 0
	}
	return r.exec(ctx, "record result", `
		UPDATE tasks
		SET run_count = run_count + 1, success_count = success_count + ?, fail_count = fail_count + ?, last_run_time = ?
		WHERE id = ?
	`, succeeded, failed, startTime, id)
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.exec(ctx, "update enabled", `UPDATE tasks SET enabled = ? WHERE id = ?`, enabled, id)
}

func (r *Registry) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

const taskColumns = `id, command, is_loop, cron, second_mask, minute_mask, hour_mask, day_mask, month_mask, weekday_mask,
	single_instance, enabled, running, run_count, success_count, fail_count, last_run_time, next_run_time`

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task    core.Task
		masks   [6]int64
		running int64
	)
	if err := scanner.Scan(&task.ID, &task.Command, &task.IsLoop, &task.CronExpr,
		&masks[0], &masks[1], &masks[2], &masks[3], &masks[4], &masks[5],
		&task.SingleInstance, &task.Enabled, &running,
		&task.RunCount, &task.SuccessCount, &task.FailCount, &task.LastRunTime, &task.NextRunTime); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Schedule = cronspec.Schedule{
		Second:  uint64(masks[0]),
		Minute:  uint64(masks[1]),
		Hour:    uint64(masks[2]),
		Day:     uint64(masks[3]),
		Month:   uint64(masks[4]),
		Weekday: uint64(masks[5]),
	}
	task.Running = running > 0
	return &task, nil
}
