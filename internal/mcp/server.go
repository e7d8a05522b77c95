// Package mcp exposes the task table as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taskcron/internal/core"
	"taskcron/internal/cronspec"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Runner starts tasks outside their schedule.
type Runner interface {
	RunNow(ctx context.Context, ids []string) error
}

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	tasks    core.Registry
	runner   Runner
	status   func(ctx context.Context) (core.Status, error)
	logger   *slog.Logger
	location *time.Location

	server *server.MCPServer
}

// NewMCPServer creates a new MCP server instance. status reports the
// system summary returned by cron_system_status.
func NewMCPServer(tasks core.Registry, runner Runner, status func(ctx context.Context) (core.Status, error), logger *slog.Logger, location *time.Location) *MCPServer {
	s := &MCPServer{
		tasks:    tasks,
		runner:   runner,
		status:   status,
		logger:   logger,
		location: location,
		server: server.NewMCPServer(
			"taskcron",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Handler serves the tools over the streamable HTTP transport.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	definition := []mcp.ToolOption{
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Shell command, at most 1024 bytes"),
		),
		mcp.WithBoolean("loop",
			mcp.Description("Run on the cron schedule; false registers a one-shot task started only by cron_run_task"),
		),
		mcp.WithString("cron",
			mcp.Description("Six-field cron expression (second minute hour day month weekday), required when loop is true. Example: '0 0 9 * * 1-5'"),
		),
		mcp.WithBoolean("single",
			mcp.Description("Skip a scheduled firing while the previous one is still running (default true)"),
		),
	}

	s.server.AddTool(mcp.NewTool("cron_create_task", append([]mcp.ToolOption{
		mcp.WithDescription("Register a task"),
		mcp.WithString("id",
			mcp.Description("Task ID (optional, a UUID is generated when empty)"),
		),
	}, definition...)...), s.handleCreateTask)

	s.server.AddTool(mcp.NewTool("cron_list_tasks",
		mcp.WithDescription("List every registered task in insertion order"),
	), s.handleListTasks)

	s.server.AddTool(mcp.NewTool("cron_get_task",
		mcp.WithDescription("Get a task with its counters and next run time"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	s.server.AddTool(mcp.NewTool("cron_update_task", append([]mcp.ToolOption{
		mcp.WithDescription("Replace the definition of a task; counters and the enabled flag are kept"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	}, definition...)...), s.handleUpdateTask)

	s.server.AddTool(mcp.NewTool("cron_delete_task",
		mcp.WithDescription("Delete a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleDeleteTask)

	s.server.AddTool(mcp.NewTool("cron_run_task",
		mcp.WithDescription("Run a task immediately"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunTask)

	s.server.AddTool(mcp.NewTool("cron_set_enabled",
		mcp.WithDescription("Enable or disable scheduling of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithBoolean("enabled",
			mcp.Required(),
			mcp.Description("true to enable, false to disable"),
		),
	), s.handleSetEnabled)

	s.server.AddTool(mcp.NewTool("cron_system_status",
		mcp.WithDescription("Summarize the task table and the scheduler state"),
	), s.handleSystemStatus)

	s.server.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Six-field cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(core.MaxPreview),
		),
	), s.handleCronPreview)

	s.logger.Debug("MCP tools registered", "count", 9)
}

func parseDefinition(request mcp.CallToolRequest) (core.TaskDef, error) {
	def := core.TaskDef{
		IsLoop:         mcp.ParseBoolean(request, "loop", false),
		Command:        strings.TrimSpace(mcp.ParseString(request, "command", "")),
		CronExpr:       strings.TrimSpace(mcp.ParseString(request, "cron", "")),
		SingleInstance: mcp.ParseBoolean(request, "single", true),
	}
	switch {
	case def.Command == "":
		return def, errors.New("command is required")
	case len(def.Command) > 1024:
		return def, errors.New("command exceeds 1024 bytes")
	case def.IsLoop && def.CronExpr == "":
		return def, errors.New("cron is required for looping tasks")
	}
	return def, nil
}

// toolError renders err for the model. Registry contract violations and
// format errors are expected; anything else is logged as well.
func (s *MCPServer) toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrAlreadyExists),
		errors.Is(err, core.ErrCapacityExceeded),
		errors.Is(err, cronspec.ErrFormat):
	default:
		s.logger.Error(op, "err", err)
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", op, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, err := parseDefinition(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := strings.TrimSpace(mcp.ParseString(request, "id", ""))
	if id == "" {
		id = core.NewID()
	}
	if err := s.tasks.Add(ctx, id, def); err != nil {
		return s.toolError("create task", err), nil
	}
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return s.toolError("load task", err), nil
	}
	s.logger.Info("task created", "task_id", id, "via", "mcp")
	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %s\nNext run: %s", id, s.formatTime(task.NextRunTime))), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return s.toolError("list tasks", err), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks registered"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks:\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		if t.Running {
			state += ", running"
		}
		schedule := "one-shot"
		if t.IsLoop {
			schedule = t.CronExpr
		}
		fmt.Fprintf(&b, "- %s [%s] %s | next: %s | %s\n", t.ID, schedule, state, s.formatTime(t.NextRunTime), truncateString(t.Command, 60))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.tasks.Get(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return s.toolError("get task", err), nil
	}
	return jsonResult(task)
}

func (s *MCPServer) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	def, err := parseDefinition(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.tasks.Update(ctx, taskID, def); err != nil {
		return s.toolError("update task", err), nil
	}
	s.logger.Info("task updated", "task_id", taskID, "via", "mcp")
	return mcp.NewToolResultText(fmt.Sprintf("Task updated: %s", taskID)), nil
}

func (s *MCPServer) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.tasks.Delete(ctx, taskID); err != nil {
		return s.toolError("delete task", err), nil
	}
	s.logger.Info("task deleted", "task_id", taskID, "via", "mcp")
	return mcp.NewToolResultText(fmt.Sprintf("Task deleted: %s", taskID)), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return s.toolError("get task", err), nil
	}
	if task.SingleInstance && task.Running {
		return mcp.NewToolResultError(fmt.Sprintf("task %s is already running", taskID)), nil
	}
	if err := s.runner.RunNow(ctx, []string{taskID}); err != nil {
		return s.toolError("run task", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started: %s", taskID)), nil
}

func (s *MCPServer) handleSetEnabled(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	enabled := mcp.ParseBoolean(request, "enabled", true)
	if err := s.tasks.SetEnabled(ctx, taskID, enabled); err != nil {
		return s.toolError("set enabled", err), nil
	}
	if enabled {
		task, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return s.toolError("get task", err), nil
		}
		if task.IsLoop {
			next := core.NextRunTime(task.Schedule, core.Clock{Location: s.location}.Time())
			if err := s.tasks.SetNextRunTime(ctx, taskID, next); err != nil {
				return s.toolError("set next run time", err), nil
			}
		}
		return mcp.NewToolResultText(fmt.Sprintf("Task enabled: %s", taskID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task disabled: %s", taskID)), nil
}

func (s *MCPServer) handleSystemStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.status(ctx)
	if err != nil {
		return s.toolError("system status", err), nil
	}
	return jsonResult(st)
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	times, err := core.Preview(expr, time.Now().In(s.location), count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	if len(times) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Cron: %s\nThe expression never fires", expr)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\nNext %d fire times:\n", expr, len(times))
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t.Format("2006-01-02 15:04:05 MST"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) formatTime(epoch int64) string {
	if epoch == 0 {
		return "-"
	}
	return time.Unix(epoch, 0).In(s.location).Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
