// Package types provides shared type definitions used across the wake-word service.
package types

import (
	"fmt"
	"time"
)

// SessionStatus represents the lifecycle state of a sound model in the engine.
type SessionStatus int32

const (
	// StatusUnloaded indicates the model is not present in the engine.
	StatusUnloaded SessionStatus = iota
	// StatusLoaded indicates the model is loaded but recognition is not running.
	StatusLoaded
	// StatusStarted indicates recognition is running for the model.
	StatusStarted
	// StatusStopped indicates recognition was stopped while the model stays loaded.
	StatusStopped
)

var sessionStatusNames = [...]string{"unloaded", "loaded", "started", "stopped"}

// String returns the lower-case name of the status.
func (s SessionStatus) String() string {
	if s < 0 || int(s) >= len(sessionStatusNames) {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return sessionStatusNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanTransition reports whether next is a legal successor of s.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusUnloaded:
		return next == StatusLoaded
	case StatusLoaded:
		return next == StatusStarted || next == StatusUnloaded
	case StatusStarted:
		return next == StatusStopped
	case StatusStopped:
		return next == StatusLoaded || next == StatusStarted || next == StatusUnloaded
	}
	return false
}

// Audio format constants for PCM capture.
const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000
	// Channels is the number of capture channels (mono).
	Channels = 1
	// BytesPerSample is the width of one s16le sample.
	BytesPerSample = 2
	// BytesPerSecond is the PCM byte rate at the default format.
	BytesPerSecond = SampleRate * Channels * BytesPerSample
)

const (
	// DefaultFramePeriod is the duration of one captured frame.
	DefaultFramePeriod = 120 * time.Millisecond
	// DefaultPreBufferPeriod is the duration of the capture device buffer.
	DefaultPreBufferPeriod = 2000 * time.Millisecond
	// MaxCaptureWindow is the absolute cap on retainable audio per recording.
	MaxCaptureWindow = 300 * time.Second
	// DefaultOneShotWindow is the retainable duration of a trigger-anchored recording.
	DefaultOneShotWindow = 10 * time.Second
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling process state.
	PollInterval = 50 * time.Millisecond
)

// FormatVersionV3 is the first model format version that carries CNN/VOP thresholds.
const FormatVersionV3 = 3

// ConfidenceConfig holds the per-model detection thresholds.
type ConfidenceConfig struct {
	Keyphrase int `json:"keyphrase" validate:"gte=0,lte=100"` // Keyphrase confidence (0-100)
	User      int `json:"user" validate:"gte=0,lte=100"`      // Per-user confidence (0-100)
	CNN       int `json:"cnn" validate:"gte=0,lte=100"`       // CNN stage threshold, format v3+
	VOP       int `json:"vop" validate:"gte=0,lte=100"`       // Voice-print threshold, format v3+
}

// RecognitionStatus is the outcome reported by the engine for a recognition event.
type RecognitionStatus int

const (
	// RecognitionSuccess indicates a keyphrase was recognized.
	RecognitionSuccess RecognitionStatus = iota
	// RecognitionAbort indicates recognition was aborted, e.g. because capture was preempted.
	RecognitionAbort
	// RecognitionFailure indicates the engine failed.
	RecognitionFailure
)

// String returns the lower-case name of the recognition status.
func (s RecognitionStatus) String() string {
	switch s {
	case RecognitionSuccess:
		return "success"
	case RecognitionAbort:
		return "abort"
	case RecognitionFailure:
		return "failure"
	}
	return fmt.Sprintf("recognition(%d)", int(s))
}

// RecognitionEvent is a recognition result with its opaque payload decoded.
type RecognitionEvent struct {
	Status           RecognitionStatus `json:"status"`
	Model            string            `json:"model"`
	KeyphraseID      int               `json:"keyphrase_id"`
	CaptureAvailable bool              `json:"capture_available"`
	CaptureSession   int               `json:"capture_session"`
	FormatVersion    uint32            `json:"format_version"`
	BeginIndex       uint32            `json:"begin_index"` // Keyword start, in samples
	EndIndex         uint32            `json:"end_index"`   // Keyword end, in samples
}

// Frame is a fixed-size chunk of captured PCM audio.
// Frames are immutable once produced.
type Frame struct {
	Data   []byte
	Offset int64 // Absolute start offset in bytes within the recording
}

// End returns the offset just past the frame's last byte.
func (f Frame) End() int64 {
	return f.Offset + int64(len(f.Data))
}
