package process

import (
	"github.com/shirou/gopsutil/v4/process"
)

// FindProcess reports whether a process with the given ID is running.
// Unlike os.FindProcess, which always succeeds on Unix, this performs a
// real liveness check on every platform.
func FindProcess(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}
