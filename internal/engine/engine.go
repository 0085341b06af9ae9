// Package engine defines the boundary to the low-power recognition engine.
//
// The engine is an external, shared singleton. Its primitives are synchronous
// and report integer status codes; callers translate them into errors.
package engine

import (
	"github.com/google/uuid"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Handle identifies a model loaded into the engine.
type Handle int32

// Descriptor is the engine-specific description of a model to load.
type Descriptor struct {
	UUID       uuid.UUID
	Data       []byte            // Raw model file contents
	Keyphrases []types.Keyphrase // Registry-assigned keyphrase and user ids
	Confidence types.ConfidenceConfig
}

// Event is a recognition result as delivered by the engine.
type Event struct {
	Status           types.RecognitionStatus
	Handle           Handle
	KeyphraseID      int
	CaptureAvailable bool
	CaptureSession   int
	Data             []byte // Opaque TLV payload
}

// Callback receives recognition events. It is invoked on an engine goroutine
// and must not block.
type Callback func(Event)

// Engine is the set of primitives the session machine drives.
type Engine interface {
	// QueryModelInfo returns the static metadata encoded in a model file.
	// Keyphrase and user ids in the result are unset.
	QueryModelInfo(data []byte) (*types.ModelInfo, types.Status)
	LoadModel(desc *Descriptor) (Handle, types.Status)
	StartRecognition(h Handle, cb Callback, params []byte) types.Status
	StopRecognition(h Handle) types.Status
	UnloadModel(h Handle) types.Status
	IsRecognitionActive(h Handle) bool
}

// Trigger describes a detection injected into an engine that supports simulation.
type Trigger struct {
	KeyphraseID int    `json:"keyphrase_id" validate:"gte=0"`
	Confidence  int    `json:"confidence" validate:"gte=0,lte=100"`
	BeginIndex  uint32 `json:"begin_index"`
	EndIndex    uint32 `json:"end_index" validate:"gtefield=BeginIndex"`
}

// Simulator is implemented by engines that can inject detections.
type Simulator interface {
	Trigger(h Handle, t Trigger) error
}
