// Package osutil wraps the OS process facilities the executor needs:
// process groups, group kill, liveness checks and interpreter lookup.
package osutil

import (
	"github.com/shirou/gopsutil/v4/process"
)

// IsProcessAlive checks if a process with the given PID is still running
func IsProcessAlive(pid int) bool {
	found, _ := process.PidExists(int32(pid))
	return found
}
