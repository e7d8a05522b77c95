package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
)

// Run owns the PID file and drives t from signals until it stops. SIGUSR1
// reloads; SIGTERM, SIGINT or cancelling ctx stops.
func Run(ctx context.Context, t Topology, pidFile string, logger *slog.Logger) error {
	if err := AcquirePIDFile(pidFile); err != nil {
		return err
	}
	defer func() {
		if err := ReleasePIDFile(pidFile); err != nil {
			logger.Warn("remove pid file", "path", pidFile, "err", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	sdNotify(logger, sdaemon.SdNotifyReady)
	logger.Info("scheduler started", "pid", os.Getpid())

	var failure error
loop:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				logger.Info("received signal, reloading", "signal", sig.String())
				sdNotify(logger, sdaemon.SdNotifyReloading)
				if err := t.Reload(ctx); err != nil {
					failure = fmt.Errorf("reload: %w", err)
					break loop
				}
				sdNotify(logger, sdaemon.SdNotifyReady)
				logger.Info("reload complete")
				continue
			}
			logger.Info("received signal", "signal", sig.String())
			break loop
		case err := <-t.Failed():
			failure = err
			break loop
		case <-ctx.Done():
			break loop
		}
	}
	if failure != nil {
		logger.Error("scheduler failed", "err", failure)
	}

	sdNotify(logger, sdaemon.SdNotifyStopping)
	if err := t.Stop(context.WithoutCancel(ctx)); err != nil {
		logger.Error("stop", "err", err)
		if failure == nil {
			failure = err
		}
	}
	logger.Info("shutdown complete")
	return failure
}

func sdNotify(logger *slog.Logger, state string) {
	if _, err := sdaemon.SdNotify(false, state); err != nil {
		logger.Debug("sd_notify", "state", state, "err", err)
	}
}
