// Package env holds the shared services of one wake-word service instance.
//
// An Env is constructed once by main and passed to the constructors of the
// registry, the session machine and the capture pipeline. It replaces
// process-wide singletons: everything a component needs from its
// surroundings is reachable from here.
package env

import (
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/engine"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/observe"
	"github.com/oszuidwest/zwfm-wakeword/internal/settings"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

var noopMetrics = sync.OnceValue(observe.Noop)

// Env is the shared context. Config and Engine are required; the remaining
// fields fall back to harmless defaults when nil.
type Env struct {
	Config   *config.Config
	Engine   engine.Engine
	Settings *settings.Store
	Events   *eventlog.Logger
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Snapshot returns the current configuration.
func (e *Env) Snapshot() config.Snapshot {
	return e.Config.Snapshot()
}

// Log returns a logger tagged with component.
func (e *Env) Log(component string) *slog.Logger {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// Meter returns the metric instruments.
func (e *Env) Meter() *observe.Metrics {
	if e.Metrics == nil {
		return noopMetrics()
	}
	return e.Metrics
}

// Confidence returns the thresholds to use for model. Stored settings take
// precedence over the configured defaults.
func (e *Env) Confidence(model string) types.ConfidenceConfig {
	defaults := e.Config.Snapshot().Confidence
	if e.Settings == nil {
		return defaults
	}
	conf, err := e.Settings.Confidence(model)
	if err != nil {
		e.Log("env").Warn("failed to read stored confidence, using defaults", "model", model, "error", err)
		return defaults
	}
	return conf
}

// Record writes an event to the event log when one is configured.
func (e *Env) Record(event *eventlog.Event) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Log(event); err != nil {
		e.Log("env").Warn("failed to write event log", "type", event.Type, "error", err)
	}
}
