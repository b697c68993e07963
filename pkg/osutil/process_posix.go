//go:build unix

package osutil

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// GracefulShutdownDelay is the time TerminateProcessGroup waits after SIGTERM
// before sending SIGKILL.
const GracefulShutdownDelay = 2 * time.Second

// SetProcessGroup configures the command to run in its own process group.
// This allows killing the entire process tree on timeout.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SetProcessGroupKill sets up a cancel function that kills the entire process group.
// Must be called after SetProcessGroup and before cmd.Start().
func SetProcessGroupKill(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return KillProcessGroup(cmd.Process.Pid)
	}
}

// KillProcessGroup sends SIGKILL to the process group led by pid. A group
// that no longer exists is not an error.
func KillProcessGroup(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// TerminateProcessGroup sends SIGTERM to the group led by pid and escalates
// to SIGKILL if the leader is still alive after grace.
func TerminateProcessGroup(pid int, grace time.Duration) error {
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !IsProcessAlive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return KillProcessGroup(pid)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
