package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points every lookup at a scratch directory so the developer's own
// .env files and TASKCRON_* variables do not leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	for _, key := range []string{
		"TASKCRON_ADDR", "TASKCRON_TOPOLOGY", "TASKCRON_TABLE_SIZE", "TASKCRON_STATE_DIR",
		"TASKCRON_RUNTIME_DIR", "TASKCRON_PID_FILE", "TASKCRON_LOG_LEVEL", "TASKCRON_BARK_URL",
		"TASKCRON_BARK_ENABLED", "TASKCRON_USE_UTC",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestParse_Defaults(t *testing.T) {
	isolate(t)
	configDir, err := os.UserConfigDir()
	require.NoError(t, err)

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, CommandRun, cfg.Command)
	assert.Equal(t, defaultAddr, cfg.Server.Addr)
	assert.Equal(t, TopologySingle, cfg.Scheduler.Topology)
	assert.Equal(t, 1024, cfg.Scheduler.TableSize)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ShutdownGrace)
	assert.True(t, cfg.Scheduler.History)
	assert.Equal(t, time.Local, cfg.Location())

	stateDir := filepath.Join(configDir, "taskcron")
	assert.Equal(t, stateDir, cfg.Runtime.StateDir)
	assert.Equal(t, filepath.Join(stateDir, "run"), cfg.Runtime.RuntimeDir)
	assert.Equal(t, filepath.Join(stateDir, "run", "taskcrond.pid"), cfg.Runtime.PIDFile)
	assert.Equal(t, filepath.Join(stateDir, "run", "task.sock"), cfg.TaskSocket())
}

func TestParse_Precedence(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("TASKCRON_TOPOLOGY=multi\nTASKCRON_TABLE_SIZE=16\nTASKCRON_ADDR=127.0.0.1:1\n"), 0o644))
	t.Setenv("TASKCRON_TABLE_SIZE", "32")

	cfg, err := Parse([]string{"-addr", "unix:/tmp/x.sock", "-use-utc", "status"})
	require.NoError(t, err)
	assert.Equal(t, TopologyMulti, cfg.Scheduler.Topology) // .env
	assert.Equal(t, 32, cfg.Scheduler.TableSize)           // env beats .env
	assert.Equal(t, "unix:/tmp/x.sock", cfg.Server.Addr)   // flag beats .env
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, CommandStatus, cfg.Command)
}

func TestParse_Rejects(t *testing.T) {
	isolate(t)
	for name, args := range map[string][]string{
		"unknown command":    {"explode"},
		"bad topology":       {"-topology", "cluster"},
		"zero table":         {"-table-size", "-1"},
		"extra positional":   {"run", "now"},
		"flag after command": {"start", "-addr", ":9000"},
		"unknown flag":       {"-nope"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(args)
			assert.Error(t, err)
		})
	}

	t.Setenv("TASKCRON_BARK_ENABLED", "true")
	_, err := Parse(nil)
	assert.Error(t, err)
}

func TestWorkerArgs_RoundTrip(t *testing.T) {
	isolate(t)
	cfg, err := Parse([]string{"-topology", "multi", "-table-size", "8", "-use-utc", "-bark-url", "https://api.day.app/key"})
	require.NoError(t, err)

	child, err := Parse(cfg.WorkerArgs(CommandWorkerEvent))
	require.NoError(t, err)
	assert.Equal(t, CommandWorkerEvent, child.Command)
	assert.Equal(t, cfg.Scheduler, child.Scheduler)
	assert.Equal(t, cfg.Runtime, child.Runtime)
	assert.Equal(t, cfg.Notification, child.Notification)
}
