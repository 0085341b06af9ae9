// Package eventlog records session, recognition and capture events in a
// JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionEstablished EventType = "session_established"
	SessionTerminated  EventType = "session_terminated"
	SessionFailed      EventType = "session_failed"
	SessionRestarted   EventType = "session_restarted"
)

// Recognition event types.
const (
	RecognitionSuccess EventType = "recognition_success"
	RecognitionAbort   EventType = "recognition_abort"
	RecognitionFailure EventType = "recognition_failure"
)

// Second-stage event types.
const (
	DetectionAccepted EventType = "detection_accepted"
	DetectionRejected EventType = "detection_rejected"
)

// Capture event types.
const (
	CaptureStarted   EventType = "capture_started"
	CaptureStopped   EventType = "capture_stopped"
	CapturePersisted EventType = "capture_persisted"
	CaptureUploaded  EventType = "capture_uploaded"
	CaptureFailed    EventType = "capture_failed"
	CaptureCleanup   EventType = "capture_cleanup"
)

// Category returns the event family: "session", "recognition", "detection" or "capture".
func (t EventType) Category() string {
	category, _, _ := strings.Cut(string(t), "_")
	return category
}

// Event represents a single log entry with type-specific details.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Model     string    `json:"model,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// RecognitionDetails contains recognition-specific event details.
type RecognitionDetails struct {
	Keyphrase        string `json:"keyphrase,omitempty"`
	KeyphraseID      int    `json:"keyphrase_id"`
	Factory          bool   `json:"factory"`
	CaptureAvailable bool   `json:"capture_available"`
	BeginIndex       uint32 `json:"begin_index"`
	EndIndex         uint32 `json:"end_index"`
}

// DetectionDetails contains second-stage verdict details.
type DetectionDetails struct {
	Keyphrase   string `json:"keyphrase,omitempty"`
	KeyphraseID int    `json:"keyphrase_id"`
	Recording   string `json:"recording,omitempty"`
	Samples     int    `json:"samples"`
	Index       int    `json:"index,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CaptureDetails contains capture-specific event details.
type CaptureDetails struct {
	Mode      string `json:"mode,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Filename  string `json:"filename,omitempty"`
	S3Key     string `json:"s3_key,omitempty"`
	Deleted   int    `json:"deleted,omitempty"`
	Error     string `json:"error,omitempty"`
	StopCause string `json:"stop_cause,omitempty"`
}

// SessionDetails contains session-specific event details.
type SessionDetails struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file, filling in the id and timestamp when unset.
func (l *Logger) Log(event *Event) error {
	if event.ID == "" {
		event.ID = xid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(event)
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events newest first, skipping offset matches and returning
// at most n. An empty category matches every event. The boolean reports
// whether older matching events remain.
func ReadLast(filePath string, n, offset int, category string) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	matched := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if category != "" && event.Type.Category() != category {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}
	return events, false, nil
}
