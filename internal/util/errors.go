package util

import (
	"fmt"
	"strings"
)

// maxStderrSummary bounds the stderr excerpt attached to process errors.
const maxStderrSummary = 200

// WrapError adds the failed operation to err. It returns nil for a nil err.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// StderrSummary returns the last non-empty line of a process's stderr,
// truncated for logging. Capture tools print the cause of a failure last.
func StderrSummary(stderr string) string {
	s := strings.TrimRight(stderr, " \t\r\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if len(s) > maxStderrSummary {
		return s[:maxStderrSummary] + "..."
	}
	return s
}
