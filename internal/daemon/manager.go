package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const (
	stopTimeout  = 10 * time.Second
	startTimeout = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Manager controls a running service through its PID file.
type Manager struct {
	PIDFile string
	// LogFile receives the output of a detached service.
	LogFile string
	Out     io.Writer
}

// Status prints whether the service is running.
func (m *Manager) Status() error {
	pid, err := RunningPID(m.PIDFile)
	if errors.Is(err, ErrNotRunning) {
		fmt.Fprintln(m.Out, "> Service Stopped")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(m.Out, "> Service Running (pid %d)\n", pid)
	return nil
}

// Stop sends SIGTERM and waits up to ten seconds for the process to exit.
func (m *Manager) Stop(ctx context.Context) error {
	pid, err := RunningPID(m.PIDFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out, "Stopping service...")
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	if err := waitFor(ctx, stopTimeout, func() bool { return !ProcessAlive(pid) }); err != nil {
		fmt.Fprintln(m.Out, "> Failure")
		return fmt.Errorf("service did not stop: %w", err)
	}
	fmt.Fprintln(m.Out, "> Success")
	return nil
}

// Reload sends SIGUSR1.
func (m *Manager) Reload() error {
	pid, err := RunningPID(m.PIDFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out, "Reloading service...")
	if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
		fmt.Fprintln(m.Out, "> Failure")
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	fmt.Fprintln(m.Out, "> Success")
	return nil
}

// Detach starts path with args in a new session, its output appended to
// LogFile, and waits until it has written the PID file.
func (m *Manager) Detach(ctx context.Context, path string, args []string) error {
	if pid, err := RunningPID(m.PIDFile); err == nil {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(m.LogFile), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(m.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintln(m.Out, "Starting service...")
	cmd := exec.Command(path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return err
	}

	err = waitFor(ctx, startTimeout, func() bool {
		recorded, err := ReadPIDFile(m.PIDFile)
		return err == nil && recorded == pid
	})
	if err != nil || !ProcessAlive(pid) {
		fmt.Fprintln(m.Out, "> Failure")
		return fmt.Errorf("service did not start, see %s", m.LogFile)
	}
	fmt.Fprintf(m.Out, "> Success (pid %d)\n", pid)
	return nil
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
