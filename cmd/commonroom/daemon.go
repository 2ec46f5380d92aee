package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"commonroom/pkg/supervisor"
)

// DaemonStatusValue represents the health state of the serve process.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

// ErrAlreadyRunning is returned when another serve process owns the PID file.
var ErrAlreadyRunning = errors.New("commonroom is already running")

// WritePIDFile writes pid to path, creating parent directories as needed.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. Removing a missing file is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// DaemonStatus checks the PID file and process liveness.
// Returns the status, the PID (0 if stopped), and any unexpected error.
func DaemonStatus(pidPath string) (status DaemonStatusValue, pid int, err error) {
	pid, err = ReadPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusStopped, 0, nil
		}
		return StatusStopped, 0, fmt.Errorf("daemon status: %w", err)
	}
	if supervisor.IsProcessAlive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// ClaimPIDFile writes the current PID unless a live process already owns
// the file. A stale file is overwritten.
func ClaimPIDFile(pidPath string) error {
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return err
	}
	if status == StatusRunning && pid != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	return WritePIDFile(pidPath, os.Getpid())
}

// StopDaemon sends SIGTERM to the process recorded in the PID file.
func StopDaemon(pidPath string) (int, error) {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return 0, fmt.Errorf("stop daemon: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return pid, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
