// Package secondstage verifies a wake-word detection on the audio that
// follows it.
//
// A [Detector] subscribes to the capture pipeline, feeds every frame to a
// [Matcher] and reports a single verdict: detected on a match, undetected once
// the look-ahead limit passes without one. It unsubscribes itself after the
// verdict. Whether a detector is attached at all is decided by the caller
// from configuration.
package secondstage

import (
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Outcome is the detector's verdict.
type Outcome int

// Outcomes.
const (
	Undetected Outcome = iota
	Detected
)

// String returns "detected" or "undetected".
func (o Outcome) String() string {
	if o == Detected {
		return "detected"
	}
	return "undetected"
}

// Result is delivered once per detector.
type Result struct {
	Model   string
	Outcome Outcome
	Index   int    // Match position in samples, for Detected
	Samples int    // Samples processed before the verdict
	Reason  string // Why an undetected verdict was reached
	Err     error
}

// Source is the subscription side of the capture pipeline.
type Source interface {
	Unsubscribe(s capture.Subscriber)
}

// Detector is a capture subscriber that emits one second-stage verdict.
type Detector struct {
	model      string
	matcher    Matcher
	source     Source
	maxSamples int
	onResult   func(Result)

	mu      sync.Mutex
	samples []int16
	seen    int
	done    bool
}

// NewDetector creates a detector for model. onResult is called exactly once,
// possibly on the capture goroutine, and must not block.
func NewDetector(model string, m Matcher, src Source, maxLookAhead time.Duration, sampleRate int, onResult func(Result)) *Detector {
	return &Detector{
		model:      model,
		matcher:    m,
		source:     src,
		maxSamples: int(int64(sampleRate) * int64(maxLookAhead) / int64(time.Second)),
		onResult:   onResult,
	}
}

// OnRecordingStarted implements [capture.Subscriber].
func (d *Detector) OnRecordingStarted(capture.Recording) {}

// OnFrame implements [capture.Subscriber].
func (d *Detector) OnFrame(f types.Frame) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.samples = audio.Samples(d.samples, f.Data)
	v, err := d.matcher.Process(d.samples)
	d.seen += len(d.samples)

	var res *Result
	switch {
	case err != nil:
		res = &Result{Outcome: Undetected, Reason: "error", Err: err}
	case v.Kind == Match:
		res = &Result{Outcome: Detected, Index: v.Index}
	case d.seen > d.maxSamples:
		res = &Result{Outcome: Undetected, Reason: "lookahead_exceeded"}
	}
	if res == nil {
		d.mu.Unlock()
		return
	}
	d.finishLocked(res)
	d.mu.Unlock()
	d.onResult(*res)
}

// OnRecordingStopped implements [capture.Subscriber]. A recording that ends
// before a verdict counts as undetected.
func (d *Detector) OnRecordingStopped(_ capture.Recording, err error) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	res := &Result{Outcome: Undetected, Reason: "recording_stopped", Err: err}
	d.finishLocked(res)
	d.mu.Unlock()
	d.onResult(*res)
}

func (d *Detector) finishLocked(res *Result) {
	res.Model = d.model
	res.Samples = d.seen
	d.matcher.Reset()
	d.seen = 0
	d.done = true
	d.source.Unsubscribe(d)
}

// Done reports whether the verdict has been emitted.
func (d *Detector) Done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}
