//go:build windows

package process

import (
	"fmt"
	"os"
)

// KillProcess kills a process by its ID on Windows. There is no graceful
// signal to try first; os.Process.Kill calls TerminateProcess directly.
func KillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to terminate process: %w", err)
	}
	return nil
}
