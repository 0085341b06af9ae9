// Package mock provides a test double for the engine package interface.
//
// Engine records every primitive call and answers with the configured status
// codes, which default to success.
//
//	eng := &mock.Engine{StartStatus: -38}
//	_, status := eng.LoadModel(desc)
package mock

import (
	"sync"

	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// StartRecognitionCall records a single invocation of Engine.StartRecognition.
type StartRecognitionCall struct {
	Handle engine.Handle
	Params []byte
}

// Engine is a mock implementation of engine.Engine.
type Engine struct {
	mu sync.Mutex

	// Info is returned by QueryModelInfo. When nil, a single keyphrase "hey radio"
	// with one user is returned.
	Info *types.ModelInfo

	// Status codes returned by the primitives.
	QueryStatus  types.Status
	LoadStatus   types.Status
	StartStatus  types.Status
	StopStatus   types.Status
	UnloadStatus types.Status

	// --- Call records ---

	QueryModelInfoCalls   [][]byte
	LoadModelCalls        []*engine.Descriptor
	StartRecognitionCalls []StartRecognitionCall
	StopRecognitionCalls  []engine.Handle
	UnloadModelCalls      []engine.Handle

	nextHandle engine.Handle
	active     map[engine.Handle]bool
	callbacks  map[engine.Handle]engine.Callback
}

// QueryModelInfo records the call and returns Info, QueryStatus.
func (e *Engine) QueryModelInfo(data []byte) (*types.ModelInfo, types.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.QueryModelInfoCalls = append(e.QueryModelInfoCalls, data)
	if e.QueryStatus != types.StatusOK {
		return nil, e.QueryStatus
	}
	if e.Info != nil {
		info := *e.Info
		info.Keyphrases = make([]types.Keyphrase, len(e.Info.Keyphrases))
		for i, kp := range e.Info.Keyphrases {
			kp.Users = append([]types.User(nil), kp.Users...)
			info.Keyphrases[i] = kp
		}
		return &info, types.StatusOK
	}
	return &types.ModelInfo{
		Type:          "keyphrase",
		FormatVersion: 2,
		Keyphrases:    []types.Keyphrase{{Phrase: "hey radio", Users: []types.User{{Name: "owner"}}}},
	}, types.StatusOK
}

// LoadModel records the call and returns a fresh handle and LoadStatus.
func (e *Engine) LoadModel(desc *engine.Descriptor) (engine.Handle, types.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LoadModelCalls = append(e.LoadModelCalls, desc)
	if e.LoadStatus != types.StatusOK {
		return 0, e.LoadStatus
	}
	e.nextHandle++
	return e.nextHandle, types.StatusOK
}

// StartRecognition records the call and returns StartStatus.
func (e *Engine) StartRecognition(h engine.Handle, cb engine.Callback, params []byte) types.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StartRecognitionCalls = append(e.StartRecognitionCalls, StartRecognitionCall{Handle: h, Params: params})
	if e.StartStatus != types.StatusOK {
		return e.StartStatus
	}
	if e.active == nil {
		e.active = make(map[engine.Handle]bool)
		e.callbacks = make(map[engine.Handle]engine.Callback)
	}
	e.active[h] = true
	e.callbacks[h] = cb
	return types.StatusOK
}

// StopRecognition records the call and returns StopStatus.
func (e *Engine) StopRecognition(h engine.Handle) types.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.StopRecognitionCalls = append(e.StopRecognitionCalls, h)
	if e.StopStatus != types.StatusOK {
		return e.StopStatus
	}
	delete(e.active, h)
	return types.StatusOK
}

// UnloadModel records the call and returns UnloadStatus.
func (e *Engine) UnloadModel(h engine.Handle) types.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UnloadModelCalls = append(e.UnloadModelCalls, h)
	if e.UnloadStatus != types.StatusOK {
		return e.UnloadStatus
	}
	delete(e.active, h)
	delete(e.callbacks, h)
	return types.StatusOK
}

// IsRecognitionActive reports whether StartRecognition succeeded for h without a later stop.
func (e *Engine) IsRecognitionActive(h engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[h]
}

// Fire delivers ev to the callback registered for ev.Handle and clears the
// active flag, as a one-shot engine would. It reports whether a callback was found.
func (e *Engine) Fire(ev engine.Event) bool {
	e.mu.Lock()
	cb := e.callbacks[ev.Handle]
	delete(e.active, ev.Handle)
	e.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(ev)
	return true
}

// Counts returns the number of load, start, stop and unload calls. Thread-safe.
func (e *Engine) Counts() (load, start, stop, unload int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.LoadModelCalls), len(e.StartRecognitionCalls), len(e.StopRecognitionCalls), len(e.UnloadModelCalls)
}

// SetStatuses replaces the status codes returned by load, start, stop and unload. Thread-safe.
func (e *Engine) SetStatuses(load, start, stop, unload types.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LoadStatus, e.StartStatus, e.StopStatus, e.UnloadStatus = load, start, stop, unload
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.QueryModelInfoCalls = nil
	e.LoadModelCalls = nil
	e.StartRecognitionCalls = nil
	e.StopRecognitionCalls = nil
	e.UnloadModelCalls = nil
}

// Ensure Engine implements engine.Engine at compile time.
var _ engine.Engine = (*Engine)(nil)
