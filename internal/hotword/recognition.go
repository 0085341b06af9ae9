package hotword

import (
	"context"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/notify"
	"github.com/oszuidwest/zwfm-wakeword/internal/secondstage"
	"github.com/oszuidwest/zwfm-wakeword/internal/tlv"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// reasonNoSecondStage is the verdict reason when verification is disabled.
const reasonNoSecondStage = "second_stage_disabled"

// detection is a recognized keyphrase waiting for its verdict.
type detection struct {
	event     types.RecognitionEvent
	keyphrase string
	recording string
}

// VerdictNotification is the payload of a verdict notification.
type VerdictNotification struct {
	Verdict     string `json:"verdict"`
	Keyphrase   string `json:"keyphrase,omitempty"`
	KeyphraseID int    `json:"keyphrase_id"`
	Recording   string `json:"recording,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Samples     int    `json:"samples"`
}

// RecordingNotification is the payload of a recording notification.
type RecordingNotification struct {
	State     string            `json:"state"`
	Recording capture.Recording `json:"recording"`
	Error     string            `json:"error,omitempty"`
}

// onRecognition is the engine callback. It only queues the event.
func (s *Service) onRecognition(model string, ev engine.Event) {
	s.post("recognition", func() error {
		s.handleRecognition(model, ev)
		return nil
	})
}

func (s *Service) handleRecognition(model string, ev engine.Event) {
	s.env.Meter().RecordRecognition(context.Background(), model, ev.Status.String())

	span := tlv.Decode(ev.Data)
	rev := types.RecognitionEvent{
		Status:           ev.Status,
		Model:            model,
		KeyphraseID:      ev.KeyphraseID,
		CaptureAvailable: ev.CaptureAvailable,
		CaptureSession:   ev.CaptureSession,
		FormatVersion:    span.FormatVersion,
		BeginIndex:       span.BeginIndex,
		EndIndex:         span.EndIndex,
	}
	phrase, _ := s.registry.GetKeyphraseNameByEngineID(ev.KeyphraseID)

	s.env.Record(&eventlog.Event{
		Type:  recognitionEventType(ev.Status),
		Model: model,
		Details: eventlog.RecognitionDetails{
			Keyphrase:        phrase,
			KeyphraseID:      ev.KeyphraseID,
			Factory:          phrase != "" && s.registry.IsFactoryKeyphrase(phrase),
			CaptureAvailable: ev.CaptureAvailable,
			BeginIndex:       span.BeginIndex,
			EndIndex:         span.EndIndex,
		},
	})
	s.events.Publish(NotifyRecognition, model, rev)

	switch ev.Status {
	case types.RecognitionSuccess:
		s.logger.Info("keyphrase recognized", "model", model, "keyphrase", phrase,
			"begin", span.BeginIndex, "end", span.EndIndex, "capture", ev.CaptureAvailable)
		if status, _ := s.machine.Status(model); status != types.StatusStarted {
			s.logger.Info("ignoring recognition for stopped session", "model", model, "status", status.String())
			return
		}
		s.detected(&detection{event: rev, keyphrase: phrase})
	case types.RecognitionAbort:
		s.logger.Info("recognition aborted, restarting", "model", model)
		if status, _ := s.machine.Status(model); status == types.StatusStarted {
			_ = s.restart(model)
		}
	default:
		s.logger.Error("recognition failed", "model", model, "status", ev.Status.String())
	}
}

func recognitionEventType(status types.RecognitionStatus) eventlog.EventType {
	switch status {
	case types.RecognitionSuccess:
		return eventlog.RecognitionSuccess
	case types.RecognitionAbort:
		return eventlog.RecognitionAbort
	}
	return eventlog.RecognitionFailure
}

// detected starts the recording that follows a recognized keyphrase and
// attaches a second-stage detector when verification is enabled.
func (s *Service) detected(d *detection) {
	model := d.event.Model
	if s.pipeline.IsRecording() {
		s.logger.Info("stopping active recording for new detection", "model", model)
		s.pipeline.StopRecording()
		ctx, cancel := context.WithTimeout(context.Background(), types.ShutdownTimeout)
		if err := s.pipeline.Wait(ctx); err != nil {
			s.logger.Warn("previous recording did not stop", "error", err)
		}
		cancel()
	}

	snap := s.env.Snapshot()
	var det *secondstage.Detector
	if snap.SecondStage.Enabled {
		m, err := secondstage.NewMatcher(snap.SecondStage, snap.Capture.SampleRate)
		if err != nil {
			s.logger.Error("second stage unavailable, accepting detection", "model", model, "error", err)
		} else {
			det = secondstage.NewDetector(model, m, s.pipeline, snap.MaxLookAhead(), snap.Capture.SampleRate,
				func(res secondstage.Result) {
					s.post("verdict", func() error {
						if err := m.Close(); err != nil {
							s.logger.Warn("failed to close matcher", "error", err)
						}
						s.verdict(d, res)
						return nil
					})
				})
			s.pipeline.Subscribe(det)
		}
	}

	trigger := &capture.Trigger{
		Model:            model,
		CaptureAvailable: d.event.CaptureAvailable,
		CaptureSession:   d.event.CaptureSession,
		KeywordEnd:       int64(d.event.EndIndex) * types.BytesPerSample,
		Detected:         true,
	}
	if err := s.pipeline.StartRecording(context.Background(), trigger); err != nil {
		s.logger.Error("failed to start recording after detection", "model", model, "error", err)
		if det != nil {
			s.pipeline.Unsubscribe(det)
		}
		_ = s.restart(model)
		return
	}
	if rec, ok := s.pipeline.Last(); ok {
		d.recording = rec.ID
	}
	if det == nil {
		s.verdict(d, secondstage.Result{Model: model, Outcome: secondstage.Detected, Reason: reasonNoSecondStage})
	}
}

// verdict reports the outcome of a detection. A rejected detection stops its
// recording; an accepted one runs until the one-shot window is full.
// Recognition is re-armed once the recording has stopped.
func (s *Service) verdict(d *detection, res secondstage.Result) {
	model := d.event.Model
	outcome := res.Outcome.String()
	s.env.Meter().RecordVerdict(context.Background(), model, outcome)

	typ := eventlog.DetectionAccepted
	if res.Outcome != secondstage.Detected {
		typ = eventlog.DetectionRejected
	}
	details := eventlog.DetectionDetails{
		Keyphrase:   d.keyphrase,
		KeyphraseID: d.event.KeyphraseID,
		Recording:   d.recording,
		Samples:     res.Samples,
		Index:       res.Index,
		Reason:      res.Reason,
	}
	if res.Err != nil {
		details.Error = res.Err.Error()
	}
	s.env.Record(&eventlog.Event{Type: typ, Model: model, Details: details})
	s.events.Publish(NotifyVerdict, model, VerdictNotification{
		Verdict:     outcome,
		Keyphrase:   d.keyphrase,
		KeyphraseID: d.event.KeyphraseID,
		Recording:   d.recording,
		Reason:      res.Reason,
		Samples:     res.Samples,
	})
	s.logger.Info("second stage verdict", "model", model, "verdict", outcome, "reason", res.Reason, "samples", res.Samples)

	if s.webhook != nil {
		s.webhook.Notify(&notify.Payload{
			Event:       string(typ),
			Model:       model,
			Keyphrase:   d.keyphrase,
			KeyphraseID: d.event.KeyphraseID,
			Verdict:     outcome,
			Recording:   d.recording,
			Message:     res.Reason,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	}

	if res.Outcome == secondstage.Detected {
		return
	}
	if rec, ok := s.pipeline.Current(); ok && rec.ID == d.recording {
		s.pipeline.StopRecording()
	}
}

// rearm restarts recognition for a started model whose recording ended.
func (s *Service) rearm(model string) error {
	if rec, ok := s.pipeline.Current(); ok && rec.Model == model {
		return nil
	}
	status, err := s.machine.Status(model)
	if err != nil || status != types.StatusStarted {
		return nil
	}
	if s.machine.IsRecognitionActive(model) {
		return nil
	}
	return s.restart(model)
}

// recordingWatcher forwards recording lifecycle notifications to the service.
type recordingWatcher struct {
	s *Service
}

func (w *recordingWatcher) OnRecordingStarted(rec capture.Recording) {
	w.s.events.Publish(NotifyRecording, rec.Model, RecordingNotification{State: "started", Recording: rec})
}

func (w *recordingWatcher) OnFrame(types.Frame) {}

func (w *recordingWatcher) OnRecordingStopped(rec capture.Recording, err error) {
	n := RecordingNotification{State: "stopped", Recording: rec}
	if err != nil {
		n.Error = err.Error()
	}
	w.s.events.Publish(NotifyRecording, rec.Model, n)
	if rec.Model == "" {
		return
	}
	w.s.post("rearm", func() error {
		return w.s.rearm(rec.Model)
	})
}
