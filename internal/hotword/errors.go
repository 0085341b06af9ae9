package hotword

import (
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Sentinel errors for the orchestrator.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hotword: service closed")
	// ErrRecordingActive is returned when a recording is started while one runs.
	ErrRecordingActive = fmt.Errorf("recording already active: %w", types.ErrWrongState)
	// ErrSimulationUnsupported is returned by Trigger when the engine cannot inject detections.
	ErrSimulationUnsupported = fmt.Errorf("engine does not support simulated detections: %w", types.ErrInvalidParameter)
	// ErrNotLoaded is returned by Trigger for a model without an engine handle.
	ErrNotLoaded = fmt.Errorf("model not loaded: %w", types.ErrWrongState)
)

// PanicError reports a panic recovered inside a serialized task. It maps to
// [types.StatusUnknown].
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// StatusCode implements [types.StatusCoder].
func (e *PanicError) StatusCode() types.Status {
	return types.StatusUnknown
}
