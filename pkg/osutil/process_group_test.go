//go:build unix

package osutil

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetProcessGroup(t *testing.T) {
	cmd := exec.Command("echo", "test")
	SetProcessGroup(cmd)

	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid, "Setpgid should be true")
}

func TestSetProcessGroupKill_KillsImmediately(t *testing.T) {
	// A process ignoring SIGTERM must still die as soon as the context ends

	script := `trap '' TERM; while true; do sleep 0.1; done`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)

	err := cmd.Start()
	require.NoError(t, err)

	// Give the process time to set up its trap handler
	time.Sleep(200 * time.Millisecond)

	startTime := time.Now()
	cancel()
	err = cmd.Wait()

	assert.Error(t, err, "Process should have been killed")
	assert.Less(t, time.Since(startTime), GracefulShutdownDelay, "Kill should not wait for a grace period")
}

func TestTerminateProcessGroup_EscalatesToKill(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode (waits for the grace period)")
	}

	script := `trap '' TERM; while true; do sleep 0.1; done`

	cmd := exec.Command("bash", "-c", script)
	SetProcessGroup(cmd)
	require.NoError(t, cmd.Start())

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	time.Sleep(200 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- TerminateProcessGroup(cmd.Process.Pid, 300*time.Millisecond) }()

	select {
	case <-waitErr:
	case <-time.After(5 * time.Second):
		t.Fatal("process group was not terminated")
	}
	assert.NoError(t, <-done)
}

func TestTerminateProcessGroup_GracefulExit(t *testing.T) {
	script := `trap 'exit 0' TERM; while true; do sleep 0.1; done`

	cmd := exec.Command("bash", "-c", script)
	SetProcessGroup(cmd)
	require.NoError(t, cmd.Start())

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, TerminateProcessGroup(cmd.Process.Pid, GracefulShutdownDelay))

	select {
	case <-waitErr:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
}

func TestIsProcessAlive(t *testing.T) {
	assert.True(t, IsProcessAlive(os.Getpid()))

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, IsProcessAlive(cmd.Process.Pid))
}

func TestKillProcessGroup_MissingGroup(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.NoError(t, KillProcessGroup(cmd.Process.Pid))
}

func TestSetProcessGroupKill_KillsEntireProcessGroup(t *testing.T) {
	// This test verifies that child processes are also killed

	// Script that spawns a child process
	script := `
		# Spawn a child that also ignores SIGTERM
		(trap '' TERM; while true; do sleep 0.1; done) &
		CHILD_PID=$!
		echo "CHILD:$CHILD_PID"
		trap '' TERM
		while true; do sleep 0.1; done
	`

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", script)
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)

	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)

	err = cmd.Start()
	require.NoError(t, err)

	parentPid := cmd.Process.Pid

	// Read the child PID from stdout
	buf := make([]byte, 100)
	n, err := stdout.Read(buf)
	require.NoError(t, err)

	var childPid int
	_, err = parseChildPid(string(buf[:n]), &childPid)
	require.NoError(t, err, "Failed to parse child PID from output: %s", string(buf[:n]))

	// Give processes time to start
	time.Sleep(200 * time.Millisecond)

	// Verify both processes are running
	err = syscall.Kill(parentPid, 0)
	require.NoError(t, err, "Parent process should be running")
	err = syscall.Kill(childPid, 0)
	require.NoError(t, err, "Child process should be running")

	// Cancel the context to trigger the Cancel function
	cancel()

	// Wait for the parent process to exit
	_ = cmd.Wait()

	// Give a moment for process cleanup
	time.Sleep(100 * time.Millisecond)

	// Verify both processes are terminated
	err = syscall.Kill(parentPid, 0)
	assert.Error(t, err, "Parent process should be terminated")
	err = syscall.Kill(childPid, 0)
	assert.Error(t, err, "Child process should be terminated")
}

func TestSetProcessGroupKill_ProcessAlreadyDead(t *testing.T) {
	// This test verifies that Cancel handles the case where the process
	// has already exited before Cancel is called

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "true") // Exits immediately
	SetProcessGroup(cmd)
	SetProcessGroupKill(cmd)

	err := cmd.Start()
	require.NoError(t, err)

	// Wait for process to complete naturally
	err = cmd.Wait()
	require.NoError(t, err)

	// Now call Cancel manually - it should not panic or error
	if cmd.Cancel != nil {
		err = cmd.Cancel()
		// Should return nil (process already dead, handled gracefully)
		assert.NoError(t, err, "Cancel should handle already-dead process gracefully")
	}
}

// parseChildPid extracts child PID from output like "CHILD:12345\n"
func parseChildPid(output string, pid *int) (string, error) {
	prefix := "CHILD:"
	if len(output) < len(prefix) || output[:len(prefix)] != prefix {
		return output, os.ErrInvalid
	}

	rest := output[len(prefix):]
	var num int
	for i, c := range rest {
		if c >= '0' && c <= '9' {
			num = num*10 + int(c-'0')
		} else {
			if i == 0 {
				return output, os.ErrInvalid
			}
			break
		}
	}

	*pid = num
	return output, nil
}
