// Package capture reads PCM frames from the capture source and fans them out
// to subscribers.
//
// A [Pipeline] runs at most one recording goroutine. Each frame is pushed onto
// a pull queue (see [Pipeline.ReadNextFrame]) and handed synchronously, in
// capture order, to every subscriber registered at that moment. Lifecycle
// notifications and window persistence run on a separate notifier goroutine so
// that subscribers never run lifecycle code on the capture path.
package capture

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/eventlog"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Sentinel errors for the capture pipeline.
var (
	// ErrAlreadyRecording is returned by StartRecording while a recording runs.
	ErrAlreadyRecording = errors.New("capture: already recording")
	// ErrClosed is returned by StartRecording after Close.
	ErrClosed = errors.New("capture: pipeline closed")
)

// Trigger anchors a recording to an engine detection.
type Trigger struct {
	Model            string
	CaptureAvailable bool
	CaptureSession   int
	KeywordEnd       int64 // Byte offset of the keyword end in the session stream
	Detected         bool  // Started by a recognition; ends after the one-shot window
}

// Recording describes one recording.
type Recording struct {
	ID         string    `json:"id"`
	Model      string    `json:"model,omitempty"`
	OneShot    bool      `json:"one_shot"`
	Bounded    bool      `json:"bounded"` // Ends once MaxBytes have been captured
	Session    int       `json:"session,omitempty"`
	KeywordEnd int64     `json:"keyword_end,omitempty"`
	MaxBytes   int       `json:"max_bytes"`
	StartedAt  time.Time `json:"started_at"`
}

// Mode returns "one_shot" or "continuous".
func (r *Recording) Mode() string {
	if r.OneShot {
		return "one_shot"
	}
	return "continuous"
}

// Subscriber receives the frames of every recording it is subscribed to.
//
// OnFrame runs on the recording goroutine and must return quickly; it may
// call Unsubscribe. OnRecordingStarted and OnRecordingStopped run on the
// notifier goroutine.
type Subscriber interface {
	OnRecordingStarted(rec Recording)
	OnFrame(f types.Frame)
	OnRecordingStopped(rec Recording, err error)
}

// Window is a retained stretch of captured audio handed to a [Persister].
type Window struct {
	Recording  Recording
	SampleRate int
	PCM        []byte
}

// Persister stores retained windows.
type Persister interface {
	Persist(ctx context.Context, w *Window) error
}

// recording is the state of the running recording goroutine.
type recording struct {
	info Recording
	src  io.ReadCloser
	stop atomic.Bool
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// close closes the source exactly once.
func (r *recording) close() error {
	r.closeOnce.Do(func() { r.closeErr = r.src.Close() })
	return r.closeErr
}

// Pipeline is the audio capture pipeline.
type Pipeline struct {
	env       *env.Env
	opener    Opener
	persister Persister
	logger    *slog.Logger

	subMu sync.Mutex // Serializes subscriber list updates
	subs  atomic.Pointer[[]Subscriber]

	tasks    *Queue[func()]
	notifier sync.WaitGroup

	mu         sync.Mutex
	active     *recording
	last       *recording // Most recent recording, running or not
	queue      *Queue[types.Frame]
	keywordEnd int64
	accum      window
	closed     bool
}

// New creates a pipeline. persister may be nil.
func New(e *env.Env, opener Opener, persister Persister) *Pipeline {
	p := &Pipeline{
		env:       e,
		opener:    opener,
		persister: persister,
		logger:    e.Log("capture"),
		tasks:     NewQueue[func()](0),
	}
	p.subs.Store(&[]Subscriber{})
	p.notifier.Go(p.runNotifier)
	return p
}

// Sizes returns the frame size and the source read buffer size in bytes.
// The read buffer holds the pre-buffer period, clamped upward to the
// configured minimum and to one frame.
func Sizes(cfg config.CaptureConfig) (frame, ring int) {
	bytesPerMs := cfg.SampleRate * types.Channels * types.BytesPerSample / 1000
	frame = max(bytesPerMs*cfg.FrameMs, types.BytesPerSample)
	ring = max(bytesPerMs*cfg.PreBufferMs, cfg.MinBufferBytes, frame)
	return frame, ring
}

// windowBytes converts d to a whole number of samples in bytes.
func windowBytes(rate int, d time.Duration) int {
	samples := int64(rate) * int64(d) / int64(time.Second)
	return int(samples) * types.Channels * types.BytesPerSample
}

// Subscribe adds s to the subscriber list. It sees only frames captured after
// it joined.
func (p *Pipeline) Subscribe(s Subscriber) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	cur := *p.subs.Load()
	next := make([]Subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	p.subs.Store(&next)
}

// Unsubscribe removes s. It is safe to call from OnFrame.
func (p *Pipeline) Unsubscribe(s Subscriber) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	cur := *p.subs.Load()
	next := make([]Subscriber, 0, len(cur))
	for _, sub := range cur {
		if sub != s {
			next = append(next, sub)
		}
	}
	p.subs.Store(&next)
}

func (p *Pipeline) subscribers() []Subscriber {
	return *p.subs.Load()
}

// StartRecording opens the capture source and starts the recording goroutine.
//
// With a trigger that has a capture session available, the recording is
// one-shot: anchored to that session, ended after the configured one-shot
// window and filtered at the keyword end for pull consumers. A trigger marked
// Detected without a capture session also ends after the one-shot window.
// Otherwise the recording is continuous and runs until StopRecording or a
// stream error, retaining at most [types.MaxCaptureWindow] of trailing audio.
// A bounded recording never captures more than its MaxBytes.
//
// Only one recording may run at a time. Callers must not start a recording
// while one is active; doing so returns [ErrAlreadyRecording].
func (p *Pipeline) StartRecording(ctx context.Context, trigger *Trigger) error {
	snap := p.env.Snapshot()
	frameBytes, ringBytes := Sizes(snap.Capture)
	rate := snap.Capture.SampleRate

	info := Recording{
		ID:        xid.New().String(),
		StartedAt: time.Now(),
		MaxBytes:  windowBytes(rate, types.MaxCaptureWindow),
	}
	if trigger != nil {
		info.Model = trigger.Model
		if trigger.CaptureAvailable {
			info.OneShot = true
			info.Session = trigger.CaptureSession
			info.KeywordEnd = trigger.KeywordEnd
		}
		if info.OneShot || trigger.Detected {
			info.Bounded = true
			info.MaxBytes = windowBytes(rate, snap.OneShotWindow())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.active != nil {
		return ErrAlreadyRecording
	}

	src, err := p.opener.Open(ctx, info.Session)
	if err != nil {
		return err
	}

	rec := &recording{info: info, src: src, done: make(chan struct{})}
	q := NewQueue[types.Frame](info.MaxBytes/frameBytes + 1)
	retain := snap.Capture.RetainWindow
	if retain {
		p.accum.reset(info.MaxBytes)
	}
	p.active = rec
	p.last = rec
	p.queue = q
	p.keywordEnd = info.KeywordEnd

	p.env.Meter().Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", info.Mode())))
	p.logger.Info("recording started",
		"id", info.ID, "mode", info.Mode(), "session", info.Session,
		"keyword_end", info.KeywordEnd, "max_bytes", info.MaxBytes)
	p.env.Record(&eventlog.Event{
		Type:    eventlog.CaptureStarted,
		Model:   info.Model,
		Details: eventlog.CaptureDetails{Mode: info.Mode()},
	})

	for _, s := range p.subscribers() {
		p.post(func() { s.OnRecordingStarted(info) })
	}

	go p.run(rec, q, frameBytes, ringBytes, retain)
	return nil
}

// run is the recording goroutine.
func (p *Pipeline) run(rec *recording, q *Queue[types.Frame], frameBytes, ringBytes int, retain bool) {
	defer close(rec.done)

	ctx := context.Background()
	captured := p.env.Meter().CapturedBytes
	r := bufio.NewReaderSize(rec.src, ringBytes)

	var (
		offset    int64
		streamErr error
		cause     = "stopped"
	)
	for !rec.stop.Load() {
		size := frameBytes
		if rec.info.Bounded {
			remaining := int64(rec.info.MaxBytes) - offset
			if remaining <= 0 {
				cause = "window_full"
				break
			}
			size = int(min(int64(size), remaining))
		}
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			f := types.Frame{Data: buf[:n], Offset: offset}
			offset += int64(n)
			q.Push(f)
			for _, s := range p.subscribers() {
				s.OnFrame(f)
			}
			if retain {
				p.accum.write(f.Data)
			}
			captured.Add(ctx, int64(n))
		}
		if err != nil {
			if !rec.stop.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				streamErr = err
			}
			cause = "end_of_stream"
			break
		}
	}
	if rec.stop.Load() {
		cause = "stopped"
	}

	closeErr := rec.close()
	q.Close()

	var pcm []byte
	if retain {
		pcm = p.accum.bytes()
	}

	p.mu.Lock()
	p.active = nil
	p.mu.Unlock()

	err := errors.Join(streamErr, closeErr)
	info := rec.info
	if err != nil {
		p.logger.Error("recording ended with error", "id", info.ID, "bytes", offset, "error", err)
	} else {
		p.logger.Info("recording stopped", "id", info.ID, "bytes", offset, "cause", cause)
	}
	details := eventlog.CaptureDetails{Mode: info.Mode(), Bytes: offset, StopCause: cause}
	if err != nil {
		details.Error = err.Error()
	}
	p.env.Record(&eventlog.Event{Type: eventlog.CaptureStopped, Model: info.Model, Details: details})

	for _, s := range p.subscribers() {
		p.post(func() { s.OnRecordingStopped(info, err) })
	}
	if retain && len(pcm) > 0 && p.persister != nil {
		w := &Window{Recording: info, SampleRate: p.env.Snapshot().Capture.SampleRate, PCM: pcm}
		p.post(func() { p.persist(w) })
	}
}

func (p *Pipeline) persist(w *Window) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.persister.Persist(ctx, w); err != nil {
		p.logger.Error("failed to persist capture window", "id", w.Recording.ID, "error", err)
		p.env.Record(&eventlog.Event{
			Type:    eventlog.CaptureFailed,
			Model:   w.Recording.Model,
			Details: eventlog.CaptureDetails{Mode: w.Recording.Mode(), Bytes: int64(len(w.PCM)), Error: err.Error()},
		})
	}
}

// StopRecording asks the recording goroutine to stop and returns without
// waiting for it. It is a no-op when nothing is recording.
func (p *Pipeline) StopRecording() {
	p.mu.Lock()
	rec := p.active
	p.mu.Unlock()
	if rec == nil || rec.stop.Swap(true) {
		return
	}
	if i, ok := rec.src.(interface{ Interrupt() }); ok {
		i.Interrupt()
		return
	}
	if err := rec.close(); err != nil {
		p.logger.Debug("closing capture source", "error", err)
	}
}

// ReadNextFrame blocks until the current recording produces a frame at or
// after its keyword end. It returns false when ctx ends, the recording ends
// with no frames left, or nothing has been recorded yet.
func (p *Pipeline) ReadNextFrame(ctx context.Context) (types.Frame, bool) {
	p.mu.Lock()
	q, keywordEnd := p.queue, p.keywordEnd
	p.mu.Unlock()
	if q == nil {
		return types.Frame{}, false
	}
	for {
		f, err := q.Take(ctx)
		if err != nil {
			return types.Frame{}, false
		}
		if f.Offset < keywordEnd {
			continue
		}
		return f, true
	}
}

// Current returns the running recording.
func (p *Pipeline) Current() (Recording, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return Recording{}, false
	}
	return p.active.info, true
}

// Last returns the most recent recording, running or not.
func (p *Pipeline) Last() (Recording, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Recording{}, false
	}
	return p.last.info, true
}

// IsRecording reports whether a recording is running.
func (p *Pipeline) IsRecording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Wait blocks until the most recent recording has finished its exit path,
// including queuing its stop notifications, or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	rec := p.last
	p.mu.Unlock()
	if rec == nil {
		return nil
	}
	select {
	case <-rec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any recording, waits for it and drains pending notifications.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.StopRecording()
	err := p.Wait(ctx)
	p.tasks.Close()
	p.notifier.Wait()
	return err
}

// post runs fn on the notifier goroutine.
func (p *Pipeline) post(fn func()) {
	if !p.tasks.Push(fn) {
		p.logger.Warn("dropping capture notification after close")
	}
}

func (p *Pipeline) runNotifier() {
	for {
		fn, err := p.tasks.Take(context.Background())
		if err != nil {
			return
		}
		p.safely(fn)
	}
}

func (p *Pipeline) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("capture notification panicked", "panic", r)
		}
	}()
	fn()
}
