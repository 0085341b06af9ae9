package types

import (
	"errors"
	"strconv"
)

// Status is the integer result code returned to the orchestrator.
type Status int

const (
	// StatusOK indicates success.
	StatusOK Status = 0
	// StatusFailure indicates the operation is illegal for the current lifecycle state.
	StatusFailure Status = -1
	// StatusInvalidParameter indicates missing or malformed input.
	StatusInvalidParameter Status = -2
	// StatusFileNotFound indicates the model file is missing.
	StatusFileNotFound Status = -3
	// StatusWrongState indicates the operation is invalid for the current lifecycle state.
	StatusWrongState Status = -4
	// StatusEngineFailure is the generic code for an engine primitive failure.
	StatusEngineFailure Status = -5
	// StatusUnknown indicates an unexpected fault.
	StatusUnknown Status = -6
)

// String returns a readable name for well-known codes.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailure:
		return "failure"
	case StatusInvalidParameter:
		return "invalid_parameter"
	case StatusFileNotFound:
		return "file_not_found"
	case StatusWrongState:
		return "wrong_state"
	case StatusEngineFailure:
		return "engine_failure"
	case StatusUnknown:
		return "unknown"
	}
	return "code_" + strconv.Itoa(int(s))
}

// Base errors of the status taxonomy. Packages wrap these with %w.
var (
	// ErrFailure is the base for operations illegal in the current state.
	ErrFailure = errors.New("operation not permitted")
	// ErrInvalidParameter is the base for malformed input.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrFileNotFound is the base for missing model files.
	ErrFileNotFound = errors.New("file not found")
	// ErrWrongState is the base for operations invalid in the current state.
	ErrWrongState = errors.New("wrong state")
)

// StatusCoder is implemented by errors that carry their own status code.
type StatusCoder interface {
	StatusCode() Status
}

// StatusOf maps an error onto the status taxonomy.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var coder StatusCoder
	if errors.As(err, &coder) {
		return coder.StatusCode()
	}
	switch {
	case errors.Is(err, ErrWrongState):
		return StatusWrongState
	case errors.Is(err, ErrFailure):
		return StatusFailure
	case errors.Is(err, ErrInvalidParameter):
		return StatusInvalidParameter
	case errors.Is(err, ErrFileNotFound):
		return StatusFileNotFound
	}
	return StatusUnknown
}
