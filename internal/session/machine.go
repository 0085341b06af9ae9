// Package session drives the per-model lifecycle against the recognition engine.
//
// A model moves along UNLOADED -> LOADED -> STARTED -> STOPPED, may be
// restarted from STOPPED and unloaded from LOADED or STOPPED. Every operation
// is idempotent when the model is already in the target state; such calls
// succeed without touching the engine.
package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/tlv"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Models resolves model names. *registry.Registry implements it.
type Models interface {
	Lookup(name string) (*types.SoundModel, bool)
}

// RecognitionHandler receives engine recognition events tagged with the model name.
// It is called on an engine goroutine and must not block.
type RecognitionHandler func(model string, ev engine.Event)

// record is the engine-side state of a model that is not unloaded.
type record struct {
	model  *types.SoundModel
	handle engine.Handle
	params []byte // Parameters of the last successful start
}

// Machine is the session state machine. The state check, engine call and
// state mutation of every operation run under one lock.
type Machine struct {
	env       *env.Env
	models    Models
	onRecog   RecognitionHandler
	logger    *slog.Logger
	mu        sync.Mutex
	records   map[string]*record
	callbacks map[string]engine.Callback
}

// NewMachine creates a state machine. onRecog may be nil.
func NewMachine(e *env.Env, models Models, onRecog RecognitionHandler) *Machine {
	return &Machine{
		env:       e,
		models:    models,
		onRecog:   onRecog,
		logger:    e.Log("session"),
		records:   make(map[string]*record),
		callbacks: make(map[string]engine.Callback),
	}
}

// find resolves a model. Tracked records win over the registry so that a
// model whose file disappeared can still be driven down.
func (m *Machine) find(name string) (*types.SoundModel, *record, error) {
	if rec, ok := m.records[name]; ok {
		return rec.model, rec, nil
	}
	model, ok := m.models.Lookup(name)
	if !ok {
		return nil, nil, ErrModelNotFound
	}
	return model, nil, nil
}

// Load loads the model into the engine.
func (m *Machine) Load(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, _, err := m.find(name)
	if err != nil {
		return err
	}
	switch model.Status() {
	case types.StatusLoaded, types.StatusStopped:
		m.logger.Debug("load skipped, already loaded", "model", name)
		return nil
	case types.StatusStarted:
		return fmt.Errorf("load %s while started: %w", name, ErrWrongState)
	}

	info := model.Info()
	if info == nil || len(info.Keyphrases) == 0 {
		return ErrModelNotReady
	}
	data, err := os.ReadFile(model.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", model.Path, types.ErrFileNotFound)
		}
		return fmt.Errorf("failed to read model: %w", err)
	}

	desc := &engine.Descriptor{
		UUID:       model.ID,
		Data:       data,
		Keyphrases: info.Keyphrases,
		Confidence: m.env.Confidence(name),
	}
	var handle engine.Handle
	status := m.call("load", func() types.Status {
		var s types.Status
		handle, s = m.env.Engine.LoadModel(desc)
		return s
	})
	if status != types.StatusOK {
		m.logger.Error("engine load failed", "model", name, "status", status)
		return &EngineError{Op: "load", Model: name, Code: status}
	}

	m.records[name] = &record{model: model, handle: handle}
	m.transition(model, types.StatusLoaded)
	return nil
}

// Start starts recognition. The model must be loaded.
func (m *Machine) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, rec, err := m.find(name)
	if err != nil {
		return err
	}
	switch model.Status() {
	case types.StatusStarted:
		m.logger.Debug("start skipped, already started", "model", name)
		return nil
	case types.StatusUnloaded:
		return ErrNotLoaded
	}

	snap := m.env.Snapshot()
	v3 := model.Info() != nil && model.Info().FormatVersion >= types.FormatVersionV3
	params := tlv.Encode(m.env.Confidence(name),
		uint32(snap.Capture.HistoryBufferMs), uint32(snap.Capture.PreRollMs), v3)

	status := m.call("start", func() types.Status {
		return m.env.Engine.StartRecognition(rec.handle, m.callback(name), params)
	})
	if status != types.StatusOK {
		m.logger.Error("engine start failed", "model", name, "status", status)
		return &EngineError{Op: "start", Model: name, Code: status}
	}

	rec.params = params
	m.transition(model, types.StatusStarted)
	return nil
}

// Stop stops recognition. Stopping a loaded or stopped model succeeds.
func (m *Machine) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(name)
}

func (m *Machine) stopLocked(name string) error {
	model, rec, err := m.find(name)
	if err != nil {
		return err
	}
	switch model.Status() {
	case types.StatusStopped, types.StatusLoaded:
		m.logger.Debug("stop skipped, not started", "model", name)
		return nil
	case types.StatusUnloaded:
		return fmt.Errorf("stop %s: %w", name, ErrWrongState)
	}

	status := m.call("stop", func() types.Status {
		return m.env.Engine.StopRecognition(rec.handle)
	})
	if status != types.StatusOK {
		m.logger.Error("engine stop failed", "model", name, "status", status)
		return &EngineError{Op: "stop", Model: name, Code: status}
	}

	m.transition(model, types.StatusStopped)
	return nil
}

// Unload removes the model from the engine. Recognition must not be running.
func (m *Machine) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(name)
}

func (m *Machine) unloadLocked(name string) error {
	model, rec, err := m.find(name)
	if err != nil {
		return err
	}
	switch model.Status() {
	case types.StatusUnloaded:
		m.logger.Debug("unload skipped, not loaded", "model", name)
		return nil
	case types.StatusStarted:
		return fmt.Errorf("unload %s while started: %w", name, ErrWrongState)
	}

	status := m.call("unload", func() types.Status {
		return m.env.Engine.UnloadModel(rec.handle)
	})
	if status != types.StatusOK {
		m.logger.Error("engine unload failed", "model", name, "status", status)
		return &EngineError{Op: "unload", Model: name, Code: status}
	}

	delete(m.records, name)
	delete(m.callbacks, name)
	m.transition(model, types.StatusUnloaded)
	return nil
}

// RestartRecognition re-arms recognition with the parameters of the last
// start. It is only valid while started.
func (m *Machine) RestartRecognition(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	model, rec, err := m.find(name)
	if err != nil {
		return err
	}
	if model.Status() != types.StatusStarted {
		return ErrNotStarted
	}

	status := m.call("restart", func() types.Status {
		return m.env.Engine.StartRecognition(rec.handle, m.callback(name), rec.params)
	})
	if status != types.StatusOK {
		m.logger.Error("engine restart failed", "model", name, "status", status)
		return &EngineError{Op: "restart", Model: name, Code: status}
	}
	m.logger.Info("recognition restarted", "model", name)
	return nil
}

// IsRecognitionActive reports whether the engine is currently listening for the model.
func (m *Machine) IsRecognitionActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok || rec.model.Status() != types.StatusStarted {
		return false
	}
	return m.env.Engine.IsRecognitionActive(rec.handle)
}

// Status returns the lifecycle state of the model.
func (m *Machine) Status(name string) (types.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, _, err := m.find(name)
	if err != nil {
		return types.StatusUnloaded, err
	}
	return model.Status(), nil
}

// Handle returns the engine handle of a loaded model.
func (m *Machine) Handle(name string) (engine.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return 0, false
	}
	return rec.handle, true
}

// ReleaseAll drives every tracked model down to UNLOADED. Failures are
// logged and do not stop the release of the remaining models.
func (m *Machine) ReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := slices.SortedFunc(maps.Keys(m.records), cmp.Compare[string])
	for _, name := range names {
		if err := m.stopLocked(name); err != nil {
			m.logger.Warn("release: stop failed", "model", name, "error", err)
			continue
		}
		if err := m.unloadLocked(name); err != nil {
			m.logger.Warn("release: unload failed", "model", name, "error", err)
		}
	}
	m.logger.Info("released all models", "remaining", len(m.records))
}

// callback returns the engine callback for a model, creating it once.
func (m *Machine) callback(name string) engine.Callback {
	if cb, ok := m.callbacks[name]; ok {
		return cb
	}
	cb := func(ev engine.Event) {
		if m.onRecog != nil {
			m.onRecog(name, ev)
		}
	}
	m.callbacks[name] = cb
	return cb
}

// call runs an engine primitive and records its outcome.
func (m *Machine) call(op string, fn func() types.Status) types.Status {
	start := time.Now()
	status := fn()
	m.env.Meter().RecordEngineCall(context.Background(), op, int(status), time.Since(start))
	return status
}

// transition moves model to next and records the change.
func (m *Machine) transition(model *types.SoundModel, next types.SessionStatus) {
	prev := model.Status()
	if !prev.CanTransition(next) {
		m.logger.Error("illegal state transition", "model", model.Name, "from", prev, "to", next)
		return
	}
	model.SetStatus(next)
	m.env.Meter().RecordTransition(context.Background(), model.Name, prev.String(), next.String())
	m.logger.Info("session state changed", "model", model.Name, "from", prev, "to", next)
}
