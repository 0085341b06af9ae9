package session

import (
	"fmt"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Sentinel errors for session operations.
var (
	// ErrModelNotFound is returned when the model is neither registered nor tracked.
	ErrModelNotFound = fmt.Errorf("model not found: %w", types.ErrFileNotFound)
	// ErrModelNotReady is returned when the model has no keyphrase metadata.
	ErrModelNotReady = fmt.Errorf("model has no keyphrases: %w", types.ErrInvalidParameter)
	// ErrNotLoaded is returned by Start when the model is unloaded.
	ErrNotLoaded = fmt.Errorf("model not loaded: %w", types.ErrFailure)
	// ErrNotStarted is returned by RestartRecognition when recognition is not started.
	ErrNotStarted = fmt.Errorf("recognition not started: %w", types.ErrFailure)
	// ErrWrongState is returned when an operation is invalid for the current state.
	ErrWrongState = fmt.Errorf("operation invalid for current state: %w", types.ErrWrongState)
)

// EngineError reports a failed engine primitive. Code is the engine's status, unchanged.
type EngineError struct {
	Op    string
	Model string
	Code  types.Status
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed for %s: status %d", e.Op, e.Model, int(e.Code))
}

// StatusCode implements [types.StatusCoder].
func (e *EngineError) StatusCode() types.Status {
	return e.Code
}
