package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	ErrNotRunning     = errors.New("service not started")
	ErrAlreadyRunning = errors.New("service already running")
)

// ReadPIDFile returns the PID stored at path, or 0 when the file is missing.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// AcquirePIDFile writes the current PID to path. It fails with
// ErrAlreadyRunning when the file names another live process; a stale file
// is overwritten.
func AcquirePIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return err
	}
	if pid != 0 && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReleasePIDFile removes path if it still holds the current PID.
func ReleasePIDFile(path string) error {
	pid, err := ReadPIDFile(path)
	if err != nil || pid != os.Getpid() {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// RunningPID returns the PID recorded at path if that process is alive.
func RunningPID(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, err
	}
	if !ProcessAlive(pid) {
		return 0, ErrNotRunning
	}
	return pid, nil
}
