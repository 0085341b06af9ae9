// Package hotword is the orchestrator of the wake-word subsystem.
//
// A [Service] owns the session state machine and drives it from a single
// task queue, so that lifecycle operations and recognition callbacks never
// run concurrently. It turns engine detections into recordings, attaches a
// second-stage detector when enabled and re-arms recognition once a
// recording ends.
package hotword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/notify"
	"github.com/oszuidwest/zwfm-wakeword/internal/registry"
	"github.com/oszuidwest/zwfm-wakeword/internal/session"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
	"github.com/oszuidwest/zwfm-wakeword/internal/util"
)

// Service serializes all state machine operations on one goroutine.
type Service struct {
	env      *env.Env
	logger   *slog.Logger
	registry *registry.Registry
	machine  *session.Machine
	pipeline *capture.Pipeline
	webhook  *notify.Webhook
	events   *Publisher
	watcher  *recordingWatcher

	tasks  *capture.Queue[func()]
	worker sync.WaitGroup
	closed atomic.Bool
}

// NewService creates the orchestrator and starts its task goroutine.
// webhook may be nil.
func NewService(e *env.Env, reg *registry.Registry, pipeline *capture.Pipeline, webhook *notify.Webhook) *Service {
	s := &Service{
		env:      e,
		logger:   e.Log("hotword"),
		registry: reg,
		pipeline: pipeline,
		webhook:  webhook,
		events:   NewPublisher(),
		tasks:    capture.NewQueue[func()](0),
	}
	s.machine = session.NewMachine(e, reg, s.onRecognition)
	s.watcher = &recordingWatcher{s: s}
	pipeline.Subscribe(s.watcher)
	s.worker.Go(s.run)
	return s
}

// Events returns the publisher of live notifications.
func (s *Service) Events() *Publisher {
	return s.events
}

func (s *Service) run() {
	for {
		task, err := s.tasks.Take(context.Background())
		if err != nil {
			return
		}
		task()
	}
}

// submit runs fn on the task goroutine and waits for its result. A panic in
// fn is reported as a [PanicError].
func (s *Service) submit(ctx context.Context, op string, fn func() error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	if !s.tasks.Push(func() { done <- s.protect(op, fn) }) {
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Errors are logged.
func (s *Service) post(op string, fn func() error) {
	s.tasks.Push(func() {
		if err := s.protect(op, fn); err != nil {
			s.logger.Warn("task failed", "op", op, "error", err)
		}
	})
}

func (s *Service) protect(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "op", op, "panic", r)
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

// EstablishSession loads the model and starts recognition. A model this call
// loaded is unloaded again when the start fails.
func (s *Service) EstablishSession(ctx context.Context, name string) error {
	return s.submit(ctx, "establish", func() error {
		before, err := s.machine.Status(name)
		if err != nil {
			s.sessionFailed(name, err)
			return err
		}
		if before == types.StatusStarted {
			s.logger.Debug("session already established", "model", name)
			return nil
		}
		if err := s.machine.Load(name); err != nil {
			s.sessionFailed(name, err)
			return err
		}
		if err := s.machine.Start(name); err != nil {
			if before == types.StatusUnloaded {
				if uerr := s.machine.Unload(name); uerr != nil {
					s.logger.Warn("rollback unload failed", "model", name, "error", uerr)
				}
			}
			s.sessionFailed(name, err)
			return err
		}
		s.remember(name, true)
		s.logger.Info("session established", "model", name)
		s.env.Record(&eventlog.Event{Type: eventlog.SessionEstablished, Model: name})
		s.events.Publish(NotifySession, name, s.view(name))
		return nil
	})
}

// TerminateSession stops recognition and unloads the model. Terminating an
// unloaded model succeeds.
func (s *Service) TerminateSession(ctx context.Context, name string) error {
	return s.submit(ctx, "terminate", func() error {
		status, err := s.machine.Status(name)
		if err != nil {
			return err
		}
		if status == types.StatusUnloaded {
			s.remember(name, false)
			return nil
		}
		if rec, ok := s.pipeline.Current(); ok && rec.Model == name {
			s.pipeline.StopRecording()
		}
		if err := s.teardown(name); err != nil {
			s.sessionFailed(name, err)
			return err
		}
		s.remember(name, false)
		s.logger.Info("session terminated", "model", name)
		s.env.Record(&eventlog.Event{Type: eventlog.SessionTerminated, Model: name})
		s.events.Publish(NotifySession, name, s.view(name))
		return nil
	})
}

func (s *Service) teardown(name string) error {
	if err := s.machine.Stop(name); err != nil {
		return err
	}
	return s.machine.Unload(name)
}

// RestartRecognition re-arms a started session. It reports whether the
// engine accepted the restart.
func (s *Service) RestartRecognition(ctx context.Context, name string) bool {
	err := s.submit(ctx, "restart", func() error {
		return s.restart(name)
	})
	return err == nil
}

func (s *Service) restart(name string) error {
	if err := s.machine.RestartRecognition(name); err != nil {
		s.logger.Warn("restart recognition failed", "model", name, "error", err)
		return err
	}
	s.env.Record(&eventlog.Event{Type: eventlog.SessionRestarted, Model: name})
	s.events.Publish(NotifySession, name, s.view(name))
	return nil
}

// IsRecognitionActive reports whether the engine is listening for the model.
func (s *Service) IsRecognitionActive(name string) bool {
	return s.machine.IsRecognitionActive(name)
}

// Status returns the lifecycle state of the model.
func (s *Service) Status(name string) (types.SessionStatus, error) {
	return s.machine.Status(name)
}

// Models returns a view of every registered model ordered by name.
func (s *Service) Models() []types.ModelView {
	models := s.registry.Models()
	views := make([]types.ModelView, len(models))
	for i, m := range models {
		views[i] = m.View()
	}
	return views
}

// Model returns the view of one model.
func (s *Service) Model(name string) (types.ModelView, error) {
	m, ok := s.registry.Lookup(name)
	if !ok {
		return types.ModelView{}, session.ErrModelNotFound
	}
	return m.View(), nil
}

func (s *Service) view(name string) any {
	if m, ok := s.registry.Lookup(name); ok {
		return m.View()
	}
	status, _ := s.machine.Status(name)
	return map[string]any{"name": name, "status": status}
}

// Rescan synchronizes the registry with the model directory. Models whose
// files disappeared are driven down to UNLOADED and their settings dropped.
func (s *Service) Rescan(ctx context.Context) (registry.ScanResult, error) {
	var res registry.ScanResult
	err := s.submit(ctx, "rescan", func() error {
		var err error
		res, err = s.registry.ScanAndLoad(s.env.Snapshot().Models.Directory)
		if err != nil {
			return err
		}
		for _, m := range res.Removed {
			if m.Status() != types.StatusUnloaded {
				if err := s.teardown(m.Name); err != nil {
					s.logger.Warn("failed to release removed model", "model", m.Name, "error", err)
					continue
				}
			}
			if s.env.Settings != nil {
				if err := s.env.Settings.Forget(m.Name); err != nil {
					s.logger.Warn("failed to forget settings", "model", m.Name, "error", err)
				}
			}
		}
		s.events.Publish(NotifyModels, "", s.Models())
		return nil
	})
	return res, err
}

// Confidence returns the thresholds in effect for the model.
func (s *Service) Confidence(name string) (types.ConfidenceConfig, error) {
	if _, ok := s.registry.Lookup(name); !ok {
		return types.ConfidenceConfig{}, session.ErrModelNotFound
	}
	return s.env.Confidence(name), nil
}

// SetConfidence stores new thresholds for the model. A started session is
// stopped and started again so the engine receives them.
func (s *Service) SetConfidence(ctx context.Context, name string, conf types.ConfidenceConfig) error {
	if err := util.ValidateStruct(&conf); err != nil {
		return err
	}
	if s.env.Settings == nil {
		return fmt.Errorf("settings store not configured: %w", types.ErrFailure)
	}
	return s.submit(ctx, "confidence", func() error {
		status, err := s.machine.Status(name)
		if err != nil {
			return err
		}
		if err := s.env.Settings.SetConfidence(name, conf); err != nil {
			return util.WrapError("store confidence", err)
		}
		s.logger.Info("confidence updated", "model", name, "keyphrase", conf.Keyphrase, "user", conf.User)
		if status != types.StatusStarted {
			return nil
		}
		if err := s.machine.Stop(name); err != nil {
			return err
		}
		return s.machine.Start(name)
	})
}

// Trigger injects a detection into an engine that supports simulation.
func (s *Service) Trigger(ctx context.Context, name string, t engine.Trigger) error {
	if err := util.ValidateStruct(&t); err != nil {
		return err
	}
	sim, ok := s.env.Engine.(engine.Simulator)
	if !ok {
		return ErrSimulationUnsupported
	}
	return s.submit(ctx, "trigger", func() error {
		h, ok := s.machine.Handle(name)
		if !ok {
			return ErrNotLoaded
		}
		if err := sim.Trigger(h, t); err != nil {
			return fmt.Errorf("trigger %s: %w (%w)", name, err, types.ErrFailure)
		}
		return nil
	})
}

// StartRecording starts a recording. Only one recording runs at a time.
func (s *Service) StartRecording(ctx context.Context, trigger *capture.Trigger) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.pipeline.IsRecording() {
		return ErrRecordingActive
	}
	err := s.pipeline.StartRecording(ctx, trigger)
	if errors.Is(err, capture.ErrAlreadyRecording) {
		return ErrRecordingActive
	}
	return err
}

// StopRecording stops the active recording, if any.
func (s *Service) StopRecording() {
	s.pipeline.StopRecording()
}

// Recording returns the active recording.
func (s *Service) Recording() (capture.Recording, bool) {
	return s.pipeline.Current()
}

// ReadNextFrame returns the next frame of the active recording in capture order.
func (s *Service) ReadNextFrame(ctx context.Context) (types.Frame, bool) {
	return s.pipeline.ReadNextFrame(ctx)
}

// Subscribe registers a capture subscriber.
func (s *Service) Subscribe(sub capture.Subscriber) {
	s.pipeline.Subscribe(sub)
}

// Unsubscribe removes a capture subscriber.
func (s *Service) Unsubscribe(sub capture.Subscriber) {
	s.pipeline.Unsubscribe(sub)
}

// Autostart re-establishes the sessions that were established before the
// last shutdown.
func (s *Service) Autostart(ctx context.Context) error {
	if s.env.Settings == nil {
		return nil
	}
	names, err := s.env.Settings.EnabledSessions()
	if err != nil {
		return util.WrapError("read enabled sessions", err)
	}
	var errs []error
	for _, name := range names {
		if err := s.EstablishSession(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	s.logger.Info("autostart complete", "sessions", len(names), "failed", len(errs))
	return errors.Join(errs...)
}

// Close stops the active recording, releases every model and stops the task
// goroutine. Queued tasks run before the release.
func (s *Service) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pipeline.Unsubscribe(s.watcher)
	s.pipeline.StopRecording()
	err := s.pipeline.Wait(ctx)

	s.tasks.Push(func() {
		_ = s.protect("release", func() error {
			s.machine.ReleaseAll()
			return nil
		})
	})
	s.tasks.Close()

	done := make(chan struct{})
	go func() {
		s.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Service) remember(name string, enabled bool) {
	if s.env.Settings == nil {
		return
	}
	if err := s.env.Settings.SetSessionEnabled(name, enabled); err != nil {
		s.logger.Warn("failed to persist session state", "model", name, "error", err)
	}
}

func (s *Service) sessionFailed(name string, err error) {
	status := types.StatusOf(err)
	s.logger.Warn("session operation failed", "model", name, "status", int(status), "error", err)
	s.env.Record(&eventlog.Event{
		Type:    eventlog.SessionFailed,
		Model:   name,
		Details: eventlog.SessionDetails{Status: int(status), Error: err.Error()},
	})
}
