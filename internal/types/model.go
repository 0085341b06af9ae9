package types

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ModelKind distinguishes factory models from user-trained models.
type ModelKind string

const (
	// ModelFactory is a model shipped with the device.
	ModelFactory ModelKind = "factory"
	// ModelUserTrained is a model enrolled by a user.
	ModelUserTrained ModelKind = "user"
)

// User is an enrolled speaker of a keyphrase.
type User struct {
	ID   int    `json:"id"` // 1-based, unique per keyphrase
	Name string `json:"name"`
}

// Keyphrase is a trigger phrase within a sound model.
type Keyphrase struct {
	ID     int    `json:"id"` // Process-unique, never reused
	Phrase string `json:"phrase"`
	Users  []User `json:"users"`
}

// ModelInfo is the static metadata of a sound model as reported by the engine.
// A published ModelInfo is never mutated.
type ModelInfo struct {
	Type          string      `json:"type"`
	FormatVersion int         `json:"format_version"`
	Keyphrases    []Keyphrase `json:"keyphrases"`
}

// SoundModel is a detection model file known to the registry.
type SoundModel struct {
	ID   uuid.UUID
	Name string // File name, used as lookup key
	Path string
	Kind ModelKind

	info   atomic.Pointer[ModelInfo]
	status atomic.Int32
}

// NewSoundModel creates an unloaded model without metadata.
func NewSoundModel(id uuid.UUID, name, path string, kind ModelKind) *SoundModel {
	return &SoundModel{ID: id, Name: name, Path: path, Kind: kind}
}

// Info returns the model metadata, or nil when it has not been queried successfully.
func (m *SoundModel) Info() *ModelInfo {
	return m.info.Load()
}

// SetInfo publishes new metadata. Only the registry calls this.
func (m *SoundModel) SetInfo(info *ModelInfo) {
	m.info.Store(info)
}

// Usable reports whether the model has a keyphrase list.
func (m *SoundModel) Usable() bool {
	info := m.info.Load()
	return info != nil && len(info.Keyphrases) > 0
}

// Status returns the lifecycle state.
func (m *SoundModel) Status() SessionStatus {
	return SessionStatus(m.status.Load())
}

// SetStatus stores the lifecycle state. Only the session machine calls this.
func (m *SoundModel) SetStatus(s SessionStatus) {
	m.status.Store(int32(s))
}

// ModelView is the JSON representation of a sound model.
type ModelView struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Kind   ModelKind     `json:"kind"`
	Status SessionStatus `json:"status"`
	Usable bool          `json:"usable"`
	Info   *ModelInfo    `json:"info,omitempty"`
}

// View returns a point-in-time JSON view of the model.
func (m *SoundModel) View() ModelView {
	return ModelView{
		ID:     m.ID.String(),
		Name:   m.Name,
		Kind:   m.Kind,
		Status: m.Status(),
		Usable: m.Usable(),
		Info:   m.Info(),
	}
}
