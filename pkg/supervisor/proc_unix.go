//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts the child in its own process group so signals sent
// to -pgid reach every descendant it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interruptGroup sends SIGTERM to the whole process group.
func interruptGroup(proc *os.Process) error {
	return unix.Kill(-proc.Pid, unix.SIGTERM)
}

// killGroup sends SIGKILL to the whole process group. A group that has
// already gone away is not an error.
func killGroup(proc *os.Process) error {
	err := unix.Kill(-proc.Pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// IsProcessAlive checks whether a process with the given PID exists.
// Signal 0 checks for existence without actually signaling.
func IsProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}
