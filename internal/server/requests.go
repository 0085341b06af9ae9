package server

import (
	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
)

// Request bodies of the HTTP API, validated with go-playground/validator tags.

// RecordingStartRequest is the body of POST /api/recording/start. An empty
// body starts a continuous recording.
type RecordingStartRequest struct {
	Model            string `json:"model" validate:"omitempty,max=255"`
	CaptureAvailable bool   `json:"capture_available"`
	CaptureSession   int    `json:"capture_session" validate:"gte=0"`
	KeywordEnd       int64  `json:"keyword_end" validate:"gte=0"` // Bytes
}

// Trigger returns the capture trigger, or nil for a continuous recording
// that is not tied to a model.
func (r *RecordingStartRequest) Trigger() *capture.Trigger {
	if r.Model == "" && !r.CaptureAvailable {
		return nil
	}
	return &capture.Trigger{
		Model:            r.Model,
		CaptureAvailable: r.CaptureAvailable,
		CaptureSession:   r.CaptureSession,
		KeywordEnd:       r.KeywordEnd,
	}
}

// TriggerRequest is the body of POST /api/models/{name}/trigger.
type TriggerRequest struct {
	KeyphraseID int    `json:"keyphrase_id" validate:"gte=0"`
	Confidence  int    `json:"confidence" validate:"gte=0,lte=100"`
	BeginIndex  uint32 `json:"begin_index"`
	EndIndex    uint32 `json:"end_index" validate:"gtefield=BeginIndex"`
}

// Engine returns the request as an engine trigger.
func (r *TriggerRequest) Engine() engine.Trigger {
	return engine.Trigger{
		KeyphraseID: r.KeyphraseID,
		Confidence:  r.Confidence,
		BeginIndex:  r.BeginIndex,
		EndIndex:    r.EndIndex,
	}
}

// SettingsUpdateRequest is the body of POST /api/settings. Nil fields are left unchanged.
type SettingsUpdateRequest struct {
	SecondStageEnabled *bool   `json:"second_stage_enabled"`
	WebhookURL         *string `json:"webhook_url" validate:"omitempty,max=2048"`
}

// WebhookTestRequest is the body of POST /api/notifications/test.
type WebhookTestRequest struct {
	URL string `json:"url" validate:"omitempty,url,max=2048"`
}
