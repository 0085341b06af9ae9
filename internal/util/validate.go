package util

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// ValidateName checks that a model name taken from a request is a plain
// file name inside the model directory.
func ValidateName(field, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%s is required: %w", field, types.ErrInvalidParameter)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%s cannot contain '..': %w", field, types.ErrInvalidParameter)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%s cannot contain a path separator: %w", field, types.ErrInvalidParameter)
	}
	return nil
}

// EnsureWritableDir creates dir when needed and proves it accepts new files.
func EnsureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError("create "+dir, err)
	}
	f, err := os.CreateTemp(dir, ".wakeword-write-test-*")
	if err != nil {
		return WrapError("write to "+dir, err)
	}
	name := f.Name()
	_, werr := f.Write(make([]byte, 1024))
	return errors.Join(werr, f.Close(), os.Remove(name))
}
