package core

import (
	"errors"
	"strings"
	"time"

	"taskcron/internal/cronspec"
)

// Registry contract violations.
var (
	ErrNotFound         = errors.New("task not found")
	ErrAlreadyExists    = errors.New("task already exists")
	ErrCapacityExceeded = errors.New("task table capacity exceeded")
)

// TaskDef is the user-writable part of a task.
type TaskDef struct {
	IsLoop         bool
	Command        string
	CronExpr       string
	SingleInstance bool
}

// Task is one row of the registry.
type Task struct {
	ID             string            `json:"id"`
	Command        string            `json:"command"`
	IsLoop         bool              `json:"loop"`
	CronExpr       string            `json:"cron,omitempty"`
	Schedule       cronspec.Schedule `json:"-"`
	SingleInstance bool              `json:"single"`
	Enabled        bool              `json:"enable"`
	Running        bool              `json:"running"`
	RunCount       int64             `json:"running_number"`
	SuccessCount   int64             `json:"success_number"`
	FailCount      int64             `json:"fail_number"`
	// LastRunTime and NextRunTime are epoch seconds; 0 means unset.
	LastRunTime int64 `json:"last_running_time,omitempty"`
	NextRunTime int64 `json:"next_running_time"`
}

// TaskView is the read model handed out by Get and List.
type TaskView = Task

// Compile validates def and returns the schedule-derived fields it implies
// at instant now: the trimmed expression, its masks and the first run time.
func (def TaskDef) Compile(now time.Time) (expr string, sched cronspec.Schedule, next int64, err error) {
	if !def.IsLoop {
		return "", cronspec.Schedule{}, 0, nil
	}
	expr = strings.TrimSpace(def.CronExpr)
	sched, err = cronspec.Parse(expr)
	if err != nil {
		return "", cronspec.Schedule{}, 0, err
	}
	return expr, sched, NextRunTime(sched, now), nil
}

// NewTask builds a fresh, enabled task row from def.
func NewTask(id string, def TaskDef, now time.Time) (*Task, error) {
	expr, sched, next, err := def.Compile(now)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:             id,
		Command:        def.Command,
		IsLoop:         def.IsLoop,
		CronExpr:       expr,
		Schedule:       sched,
		SingleInstance: def.SingleInstance,
		Enabled:        true,
		NextRunTime:    next,
	}, nil
}

// NextRunTime returns the first instant strictly after now allowed by sched,
// as epoch seconds, or 0 when the schedule never fires.
func NextRunTime(sched cronspec.Schedule, now time.Time) int64 {
	next := sched.Next(now.Truncate(time.Second).Add(time.Second))
	if next.IsZero() {
		return 0
	}
	return next.Unix()
}
