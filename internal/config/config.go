package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Topologies.
const (
	TopologySingle = "single"
	TopologyMulti  = "multi"
)

// Commands accepted after the flags.
const (
	CommandRun         = "run"
	CommandStart       = "start"
	CommandStop        = "stop"
	CommandReload      = "reload"
	CommandRestart     = "restart"
	CommandStatus      = "status"
	CommandWorkerTask  = "worker-task"
	CommandWorkerEvent = "worker-event"
)

// ServerConfig holds control-surface settings.
type ServerConfig struct {
	// Addr is host:port or unix:/path/to.sock.
	Addr      string `validate:"required"`
	AuthToken string
	MCP       bool
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn warning error"`
	Format string `validate:"oneof=text json"`
	// Retention is the number of recorded runs kept per task.
	Retention int `validate:"min=1"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `validate:"omitempty,url"`
	Enabled bool
	// Interval is the minimum spacing between two notifications.
	Interval time.Duration `validate:"min=0"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// SchedulerConfig holds the engine settings.
type SchedulerConfig struct {
	TableSize     int    `validate:"min=1,max=1048576"`
	Topology      string `validate:"oneof=single multi"`
	UseUTC        bool
	ShutdownGrace time.Duration `validate:"min=0"`
	// History records finished runs in the state directory.
	History bool
}

// RuntimeConfig holds filesystem locations.
type RuntimeConfig struct {
	StateDir   string `validate:"required"`
	RuntimeDir string `validate:"required"`
	PIDFile    string `validate:"required"`
	// Daemon detaches "start" from the terminal.
	Daemon bool
}

// Config holds all runtime configuration options for the daemon. It is built
// once by Parse and passed down explicitly.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Scheduler    SchedulerConfig
	Runtime      RuntimeConfig

	// Command is the first positional argument; "run" when absent.
	Command string `validate:"oneof=run start stop reload restart status worker-task worker-event"`
}

const (
	defaultAddr          = "0.0.0.0:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultRunLogKeep    = 20
	defaultTableSize     = 1024
	defaultShutdownGrace = 5 * time.Second
	defaultBarkInterval  = 10 * time.Second
)

var validate = validator.New()

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command-line arguments (without the program name) and the
// environment into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse(args []string) (*Config, error) {
	// Load .env files if they exist; values already in the environment win.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskcron", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKCRON_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKCRON_AUTH_TOKEN", ""),
			MCP:       getEnvBool("TASKCRON_MCP", true),
		},
		Log: LogConfig{
			Level:     strings.ToLower(getEnvString("TASKCRON_LOG_LEVEL", defaultLogLevel)),
			Format:    strings.ToLower(getEnvString("TASKCRON_LOG_FORMAT", defaultLogFormat)),
			Retention: getEnvInt("TASKCRON_LOG_RETENTION", defaultRunLogKeep),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:      getEnvString("TASKCRON_BARK_URL", ""),
				Enabled:  getEnvBool("TASKCRON_BARK_ENABLED", false),
				Interval: getEnvDuration("TASKCRON_BARK_INTERVAL", defaultBarkInterval),
			},
		},
		Scheduler: SchedulerConfig{
			TableSize:     getEnvInt("TASKCRON_TABLE_SIZE", defaultTableSize),
			Topology:      getEnvString("TASKCRON_TOPOLOGY", TopologySingle),
			UseUTC:        getEnvBool("TASKCRON_USE_UTC", false),
			ShutdownGrace: getEnvDuration("TASKCRON_SHUTDOWN_GRACE", defaultShutdownGrace),
			History:       getEnvBool("TASKCRON_HISTORY", true),
		},
		Runtime: RuntimeConfig{
			StateDir:   getEnvString("TASKCRON_STATE_DIR", ""),
			RuntimeDir: getEnvString("TASKCRON_RUNTIME_DIR", ""),
			PIDFile:    getEnvString("TASKCRON_PID_FILE", ""),
			Daemon:     getEnvBool("TASKCRON_DAEMON", false),
		},
	}

	fs := flag.NewFlagSet("taskcrond", flag.ContinueOnError)
	var (
		addr, logLevel, logFormat, topology    string
		stateDir, runtimeDir, pidFile, barkURL string
		runLogKeep, tableSize                  int
		useUTC, daemon, history, mcp           bool
		shutdownGrace                          time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address, host:port or unix:/path (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory to store run history and logs")
	fs.StringVar(&runtimeDir, "runtime-dir", "", "Directory for sockets and the shared task table")
	fs.StringVar(&pidFile, "pid-file", "", "PID file of the master process")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	fs.StringVar(&topology, "topology", "", "Process topology (single, multi)")
	fs.StringVar(&barkURL, "bark-url", "", "Bark push URL; enables notifications")
	fs.IntVar(&runLogKeep, "run-log-keep", 0, "Number of recent runs to retain per task")
	fs.IntVar(&tableSize, "table-size", 0, "Maximum number of tasks")
	fs.BoolVar(&useUTC, "use-utc", false, "Use UTC for cron evaluation instead of system local time")
	fs.BoolVar(&daemon, "daemon", false, "Detach from the terminal on start")
	fs.BoolVar(&history, "history", true, "Record finished runs")
	fs.BoolVar(&mcp, "mcp", true, "Serve MCP tools at /mcp")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period for running commands when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply CLI flags if set (they take precedence)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = addr
		case "state-dir":
			cfg.Runtime.StateDir = stateDir
		case "runtime-dir":
			cfg.Runtime.RuntimeDir = runtimeDir
		case "pid-file":
			cfg.Runtime.PIDFile = pidFile
		case "log-level":
			cfg.Log.Level = strings.ToLower(logLevel)
		case "log-format":
			cfg.Log.Format = strings.ToLower(logFormat)
		case "topology":
			cfg.Scheduler.Topology = topology
		case "bark-url":
			cfg.Notification.Bark.URL = barkURL
			cfg.Notification.Bark.Enabled = barkURL != ""
		case "run-log-keep":
			cfg.Log.Retention = runLogKeep
		case "table-size":
			cfg.Scheduler.TableSize = tableSize
		case "use-utc":
			cfg.Scheduler.UseUTC = useUTC
		case "daemon":
			cfg.Runtime.Daemon = daemon
		case "history":
			cfg.Scheduler.History = history
		case "mcp":
			cfg.Server.MCP = mcp
		case "shutdown-grace":
			cfg.Scheduler.ShutdownGrace = shutdownGrace
		}
	})

	cfg.Command = CommandRun
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = rest[0]
		if len(rest) > 1 {
			return nil, fmt.Errorf("unexpected arguments after %q: %v", rest[0], rest[1:])
		}
	}

	if cfg.Runtime.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.Runtime.StateDir = dir
	}
	if cfg.Runtime.RuntimeDir == "" {
		cfg.Runtime.RuntimeDir = filepath.Join(cfg.Runtime.StateDir, "run")
	}
	if cfg.Runtime.PIDFile == "" {
		cfg.Runtime.PIDFile = filepath.Join(cfg.Runtime.RuntimeDir, "taskcrond.pid")
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Notification.Bark.Enabled && cfg.Notification.Bark.URL == "" {
		return nil, fmt.Errorf("invalid configuration: bark enabled without TASKCRON_BARK_URL")
	}
	return cfg, nil
}

// Location returns the zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Scheduler.UseUTC {
		return time.UTC
	}
	return time.Local
}

// TaskSocket is the run-request socket of the task worker.
func (c *Config) TaskSocket() string {
	return filepath.Join(c.Runtime.RuntimeDir, "task.sock")
}

// EventSocket is the event socket of the event worker.
func (c *Config) EventSocket() string {
	return filepath.Join(c.Runtime.RuntimeDir, "event.sock")
}

// RegistryPath is the shared task table of the multi-process topology.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Runtime.RuntimeDir, "registry.sqlite")
}

// WorkerArgs returns the arguments that start a worker process with this
// configuration. The child also inherits the environment.
func (c *Config) WorkerArgs(command string) []string {
	args := []string{
		"-state-dir", c.Runtime.StateDir,
		"-runtime-dir", c.Runtime.RuntimeDir,
		"-pid-file", c.Runtime.PIDFile,
		"-log-level", c.Log.Level,
		"-log-format", c.Log.Format,
		"-run-log-keep", strconv.Itoa(c.Log.Retention),
		"-table-size", strconv.Itoa(c.Scheduler.TableSize),
		"-topology", c.Scheduler.Topology,
		"-use-utc=" + strconv.FormatBool(c.Scheduler.UseUTC),
		"-history=" + strconv.FormatBool(c.Scheduler.History),
		"-shutdown-grace", c.Scheduler.ShutdownGrace.String(),
	}
	if c.Notification.Bark.Enabled {
		args = append(args, "-bark-url", c.Notification.Bark.URL)
	}
	return append(args, command)
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "taskcron"), nil
}
