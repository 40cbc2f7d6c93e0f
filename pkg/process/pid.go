// Package process provides utilities for managing process-related operations,
// such as PID file handling and liveness checks for child processes.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
)

// GetPIDFilePath returns the path to the PID file for a named runtime
// instance. PID files live under the XDG data directory so concurrent runs
// on the same machine do not collide with files in the temp directory.
// Note: name is pre-sanitized by the caller.
func GetPIDFilePath(name string) (string, error) {
	pidPath, err := xdg.DataFile(filepath.Join("deechat", "dmcp", "pids", fmt.Sprintf("dmcp-%s.pid", name)))
	if err != nil {
		return "", fmt.Errorf("failed to get PID file path: %w", err)
	}
	return pidPath, nil
}

// WritePIDFile writes a process ID to the PID file for the given name.
func WritePIDFile(name string, pid int) error {
	path, err := GetPIDFilePath(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// WriteCurrentPIDFile writes the current process ID to the PID file.
func WriteCurrentPIDFile(name string) error {
	return WritePIDFile(name, os.Getpid())
}

// ReadPIDFile reads the process ID recorded for the given name.
func ReadPIDFile(name string) (int, error) {
	path, err := GetPIDFilePath(name)
	if err != nil {
		return 0, err
	}
	pidBytes, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PID: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file for the given name. Removing a file
// that does not exist is not an error.
func RemovePIDFile(name string) error {
	path, err := GetPIDFilePath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
