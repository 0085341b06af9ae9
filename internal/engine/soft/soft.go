// Package soft implements a software recognition engine.
//
// Model files are YAML manifests describing keyphrases and enrolled users.
// The engine does not analyse audio; detections are injected with Trigger and
// delivered the way a hardware engine delivers them: asynchronously, once per
// start, with a TLV payload carrying the keyword span.
package soft

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/tlv"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Engine status codes.
const (
	StatusNoInit           types.Status = -19
	StatusBadValue         types.Status = -22
	StatusInvalidOperation types.Status = -38
)

// DefaultMaxModels is the number of models the engine can hold at once.
const DefaultMaxModels = 8

var (
	// ErrUnknownHandle is returned when a trigger targets a model that is not loaded.
	ErrUnknownHandle = errors.New("model not loaded in engine")
	// ErrNotActive is returned when a trigger targets a model without running recognition.
	ErrNotActive = errors.New("recognition not active")
	// ErrUnknownKeyphrase is returned when the keyphrase id is not part of the model.
	ErrUnknownKeyphrase = errors.New("keyphrase not part of model")
	// ErrBelowThreshold is returned when the trigger confidence is below the keyphrase threshold.
	ErrBelowThreshold = errors.New("confidence below keyphrase threshold")
)

// Manifest is the YAML layout of a model file.
type Manifest struct {
	Type          string `yaml:"type"`
	FormatVersion int    `yaml:"format_version"`
	Keyphrases    []struct {
		Phrase string   `yaml:"phrase"`
		Users  []string `yaml:"users"`
	} `yaml:"keyphrases"`
}

// Options configures the engine.
type Options struct {
	MaxModels        int  // Zero means DefaultMaxModels
	CaptureAvailable bool // Whether detections come with a capture session
}

type model struct {
	desc          *engine.Descriptor
	formatVersion int
	active        bool
	cb            engine.Callback
	keyphraseConf int
}

// Engine is a software implementation of engine.Engine.
type Engine struct {
	mu          sync.Mutex
	opts        Options
	models      map[engine.Handle]*model
	nextHandle  engine.Handle
	nextCapture int
	logger      *slog.Logger
}

// New creates a software engine.
func New(opts Options, logger *slog.Logger) *Engine {
	if opts.MaxModels <= 0 {
		opts.MaxModels = DefaultMaxModels
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		models: make(map[engine.Handle]*model),
		logger: logger.With("component", "soft-engine"),
	}
}

func parseManifest(data []byte) (*Manifest, bool) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	if m.FormatVersion <= 0 {
		m.FormatVersion = 1
	}
	return &m, true
}

// QueryModelInfo parses the manifest in data.
func (e *Engine) QueryModelInfo(data []byte) (*types.ModelInfo, types.Status) {
	m, ok := parseManifest(data)
	if !ok || len(m.Keyphrases) == 0 {
		return nil, StatusBadValue
	}
	info := &types.ModelInfo{Type: m.Type, FormatVersion: m.FormatVersion}
	for _, kp := range m.Keyphrases {
		users := make([]types.User, 0, len(kp.Users))
		for _, name := range kp.Users {
			users = append(users, types.User{Name: name})
		}
		info.Keyphrases = append(info.Keyphrases, types.Keyphrase{Phrase: kp.Phrase, Users: users})
	}
	return info, types.StatusOK
}

// LoadModel stores the descriptor and returns a new handle.
func (e *Engine) LoadModel(desc *engine.Descriptor) (engine.Handle, types.Status) {
	if desc == nil || len(desc.Keyphrases) == 0 {
		return 0, StatusBadValue
	}
	m, ok := parseManifest(desc.Data)
	if !ok {
		return 0, StatusBadValue
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.models) >= e.opts.MaxModels {
		return 0, StatusNoInit
	}
	e.nextHandle++
	e.models[e.nextHandle] = &model{desc: desc, formatVersion: m.FormatVersion}
	e.logger.Debug("model loaded", "handle", e.nextHandle, "uuid", desc.UUID)
	return e.nextHandle, types.StatusOK
}

// StartRecognition arms the model. The keyphrase threshold is read from params.
func (e *Engine) StartRecognition(h engine.Handle, cb engine.Callback, params []byte) types.Status {
	if cb == nil {
		return StatusBadValue
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[h]
	if !ok {
		return StatusBadValue
	}
	m.keyphraseConf = 0
	tlv.Walk(params, func(tag tlv.Tag, payload []byte) bool {
		if tag == tlv.TagConfidenceLevels {
			if f := tlv.Fields(payload); len(f) >= 2 {
				m.keyphraseConf = int(f[1])
			}
		}
		return true
	})
	m.active = true
	m.cb = cb
	return types.StatusOK
}

// StopRecognition disarms the model. Stopping an inactive model succeeds.
func (e *Engine) StopRecognition(h engine.Handle) types.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[h]
	if !ok {
		return StatusBadValue
	}
	m.active = false
	return types.StatusOK
}

// UnloadModel releases the model.
func (e *Engine) UnloadModel(h engine.Handle) types.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[h]
	if !ok {
		return StatusBadValue
	}
	if m.active {
		return StatusInvalidOperation
	}
	delete(e.models, h)
	return types.StatusOK
}

// IsRecognitionActive reports whether the model is armed.
func (e *Engine) IsRecognitionActive(h engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[h]
	return ok && m.active
}

// Trigger injects a detection. On success the model is disarmed and the
// event is delivered on a new goroutine.
func (e *Engine) Trigger(h engine.Handle, t engine.Trigger) error {
	e.mu.Lock()
	m, ok := e.models[h]
	switch {
	case !ok:
		e.mu.Unlock()
		return ErrUnknownHandle
	case !m.active:
		e.mu.Unlock()
		return ErrNotActive
	case !slices.ContainsFunc(m.desc.Keyphrases, func(kp types.Keyphrase) bool { return kp.ID == t.KeyphraseID }):
		e.mu.Unlock()
		return ErrUnknownKeyphrase
	case t.Confidence < m.keyphraseConf:
		e.mu.Unlock()
		return ErrBelowThreshold
	}

	m.active = false
	ev := engine.Event{
		Status:           types.RecognitionSuccess,
		Handle:           h,
		KeyphraseID:      t.KeyphraseID,
		CaptureAvailable: e.opts.CaptureAvailable,
		Data:             payload(uint32(m.formatVersion), t.BeginIndex, t.EndIndex),
	}
	if e.opts.CaptureAvailable {
		e.nextCapture++
		ev.CaptureSession = e.nextCapture
	}
	cb := m.cb
	e.mu.Unlock()

	e.logger.Info("detection triggered", "handle", h, "keyphrase_id", t.KeyphraseID, "confidence", t.Confidence)
	go cb(ev)
	return nil
}

// payload builds the opaque event buffer: keyword span followed by a timestamp.
func payload(formatVersion, begin, end uint32) []byte {
	var w tlv.Writer
	w.Record(tlv.TagKeywordIndices, formatVersion, begin, end)
	ts := uint64(time.Now().UnixMilli())
	w.Record(tlv.TagTimestamp, uint32(ts), uint32(ts>>32))
	return w.Bytes()
}

// Ensure Engine implements the engine interfaces at compile time.
var (
	_ engine.Engine    = (*Engine)(nil)
	_ engine.Simulator = (*Engine)(nil)
)
