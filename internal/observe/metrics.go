// Package observe provides OpenTelemetry metrics for the wake-word service.
//
// Instruments are created from a [metric.MeterProvider]; [InitProvider]
// installs an SDK provider backed by a Prometheus exporter so the metrics can
// be scraped from /metrics. Tests use [NewMetrics] with a manual reader, or
// [Noop] when metrics are irrelevant.
package observe

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/oszuidwest/zwfm-wakeword"

// Metrics holds all metric instruments. The instruments are safe for concurrent use.
type Metrics struct {
	// Transitions counts session state changes. Attributes: model, from, to.
	Transitions metric.Int64Counter

	// EngineCalls counts engine primitive calls. Attributes: op, status.
	EngineCalls metric.Int64Counter

	// EngineCallDuration tracks engine primitive latency. Attribute: op.
	EngineCallDuration metric.Float64Histogram

	// Recognitions counts engine recognition events. Attributes: model, status.
	Recognitions metric.Int64Counter

	// Verdicts counts second-stage verdicts. Attributes: model, verdict.
	Verdicts metric.Int64Counter

	// Recordings counts started recordings. Attribute: mode.
	Recordings metric.Int64Counter

	// CapturedBytes counts PCM bytes read from the capture source.
	CapturedBytes metric.Int64Counter

	// ActiveSessions tracks the number of models in the started state.
	ActiveSessions metric.Int64UpDownCounter

	// PersistedWindows counts retained capture windows written to storage. Attribute: target.
	PersistedWindows metric.Int64Counter
}

// engineBuckets are histogram boundaries (in seconds) for engine primitives.
var engineBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

// NewMetrics creates all instruments using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Transitions, err = m.Int64Counter("wakeword.session.transitions",
		metric.WithDescription("Session state transitions by model."),
	); err != nil {
		return nil, err
	}
	if met.EngineCalls, err = m.Int64Counter("wakeword.engine.calls",
		metric.WithDescription("Engine primitive calls by operation and status code."),
	); err != nil {
		return nil, err
	}
	if met.EngineCallDuration, err = m.Float64Histogram("wakeword.engine.call.duration",
		metric.WithDescription("Latency of engine primitives."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(engineBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Recognitions, err = m.Int64Counter("wakeword.recognitions",
		metric.WithDescription("Recognition events delivered by the engine."),
	); err != nil {
		return nil, err
	}
	if met.Verdicts, err = m.Int64Counter("wakeword.second_stage.verdicts",
		metric.WithDescription("Second-stage verdicts by model."),
	); err != nil {
		return nil, err
	}
	if met.Recordings, err = m.Int64Counter("wakeword.capture.recordings",
		metric.WithDescription("Recordings started by capture mode."),
	); err != nil {
		return nil, err
	}
	if met.CapturedBytes, err = m.Int64Counter("wakeword.capture.bytes",
		metric.WithDescription("PCM bytes read from the capture source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("wakeword.active_sessions",
		metric.WithDescription("Models with recognition started."),
	); err != nil {
		return nil, err
	}
	if met.PersistedWindows, err = m.Int64Counter("wakeword.capture.persisted",
		metric.WithDescription("Retained capture windows written to storage."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns metrics that record nothing.
func Noop() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop metrics: " + err.Error())
	}
	return m
}

// RecordEngineCall records one engine primitive call.
func (m *Metrics) RecordEngineCall(ctx context.Context, op string, status int, elapsed time.Duration) {
	m.EngineCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", strconv.Itoa(status)),
	))
	m.EngineCallDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// RecordTransition records a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, model, from, to string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("from", from),
		attribute.String("to", to),
	))
	switch {
	case to == "started":
		m.ActiveSessions.Add(ctx, 1)
	case from == "started":
		m.ActiveSessions.Add(ctx, -1)
	}
}

// RecordVerdict records a second-stage verdict.
func (m *Metrics) RecordVerdict(ctx context.Context, model, verdict string) {
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("verdict", verdict),
	))
}

// RecordRecognition records a recognition event delivered by the engine.
func (m *Metrics) RecordRecognition(ctx context.Context, model, status string) {
	m.Recognitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
}
