package fileutils

import (
	"fmt"
	"strings"
)

const maxServerIDLength = 100

// ValidateServerIDForPath validates a server id to prevent path traversal
// attacks. Registry file names are constructed as "<id>.json", so the id
// must be safe as a single path element. The checks cover:
// - Path traversal patterns (..)
// - Absolute paths and path separators (/, \)
// - Command injection metacharacters
// - Null bytes
// - Invalid characters (only alphanumeric, dots, hyphens, underscores allowed)
// - Length limits
//
// Returns nil if the id is safe for path construction, or an error
// describing the validation failure.
func ValidateServerIDForPath(id string) error {
	if err := validatePathElement(id); err != nil {
		return fmt.Errorf("invalid server id for path construction: %w", err)
	}
	return nil
}

func validatePathElement(id string) error {
	if id == "" {
		return fmt.Errorf("id is empty")
	}
	if len(id) > maxServerIDLength {
		return fmt.Errorf("id exceeds %d characters", maxServerIDLength)
	}
	if strings.ContainsRune(id, 0) {
		return fmt.Errorf("id contains a null byte")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("id contains a path traversal pattern")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("id contains invalid character %q", r)
		}
	}
	return nil
}
