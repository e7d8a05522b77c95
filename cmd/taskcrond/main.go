package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"taskcron/internal/config"
	"taskcron/internal/daemon"
	"taskcron/internal/logging"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	ctx := context.Background()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) || errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, err)
		} else {
			logger.Error("taskcrond", "command", cfg.Command, "err", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	manager := &daemon.Manager{
		PIDFile: cfg.Runtime.PIDFile,
		LogFile: filepath.Join(cfg.Runtime.StateDir, "taskcrond.log"),
		Out:     os.Stdout,
	}

	switch cfg.Command {
	case config.CommandRun:
		return serve(ctx, cfg, logger)
	case config.CommandStart:
		return start(ctx, cfg, logger, manager)
	case config.CommandStop:
		return manager.Stop(ctx)
	case config.CommandReload:
		return manager.Reload()
	case config.CommandRestart:
		if err := manager.Stop(ctx); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
			return err
		}
		return start(ctx, cfg, logger, manager)
	case config.CommandStatus:
		return manager.Status()
	case config.CommandWorkerTask:
		return daemon.RunTaskWorker(ctx, cfg, logging.ForProcess(logger, "task"))
	case config.CommandWorkerEvent:
		return daemon.RunEventWorker(ctx, cfg, logging.ForProcess(logger, "event"))
	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

// start detaches when configured to, otherwise it runs in the foreground.
func start(ctx context.Context, cfg *config.Config, logger *slog.Logger, manager *daemon.Manager) error {
	if !cfg.Runtime.Daemon {
		return serve(ctx, cfg, logger)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	return manager.Detach(ctx, exe, detachArgs(os.Args[1:], cfg.Command))
}

// detachArgs rewrites the invocation for the detached child, which runs in
// the foreground of its own session. Flags are kept as given.
func detachArgs(args []string, command string) []string {
	out := append([]string(nil), args...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] == command {
			out[i] = config.CommandRun
			return out
		}
	}
	return append(out, config.CommandRun)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var topology daemon.Topology
	switch cfg.Scheduler.Topology {
	case config.TopologyMulti:
		topology = daemon.NewMaster(cfg, logging.ForProcess(logger, "master"))
	default:
		topology = daemon.NewSingle(cfg, logger)
	}
	logger.Info("starting taskcrond",
		"topology", cfg.Scheduler.Topology,
		"addr", cfg.Server.Addr,
		"state_dir", cfg.Runtime.StateDir,
		"table_size", cfg.Scheduler.TableSize,
	)
	return daemon.Run(ctx, topology, cfg.Runtime.PIDFile, logger)
}
