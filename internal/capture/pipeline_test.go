package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/config"
	"github.com/oszuidwest/zwfm-wakeword/internal/env"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

const waitTimeout = 5 * time.Second

func newTestPipeline(t *testing.T, opener Opener, persister Persister, tune func(*config.CaptureConfig)) *Pipeline {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if tune != nil {
		tune(&cfg.Capture)
	}
	p := New(&env.Env{Config: cfg}, opener, persister)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := p.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return p
}

// replay returns an opener serving data from memory.
func replay(data []byte) Opener {
	return OpenerFunc(func(context.Context, int) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

// recorder is a Subscriber that keeps everything it receives.
type recorder struct {
	mu      sync.Mutex
	frames  []types.Frame
	started chan Recording
	stopped chan error
}

func newRecorder() *recorder {
	return &recorder{started: make(chan Recording, 4), stopped: make(chan error, 4)}
}

func (r *recorder) OnRecordingStarted(rec Recording)          { r.started <- rec }
func (r *recorder) OnRecordingStopped(_ Recording, err error) { r.stopped <- err }

func (r *recorder) OnFrame(f types.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) snapshot() []types.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Frame(nil), r.frames...)
}

func (r *recorder) waitStopped(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.stopped:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("recording did not stop")
		return nil
	}
}

// memPersister collects persisted windows.
type memPersister struct {
	windows chan *Window
}

func (m *memPersister) Persist(_ context.Context, w *Window) error {
	m.windows <- w
	return nil
}

func TestSizes(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.CaptureConfig
		wantFrame int
		wantRing  int
	}{
		{"defaults", config.CaptureConfig{SampleRate: 16000, FrameMs: 120, PreBufferMs: 2000}, 3840, 64000},
		{"min buffer wins", config.CaptureConfig{SampleRate: 16000, FrameMs: 120, PreBufferMs: 100, MinBufferBytes: 8192}, 3840, 8192},
		{"frame wins", config.CaptureConfig{SampleRate: 16000, FrameMs: 500, PreBufferMs: 100}, 16000, 16000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, ring := Sizes(tt.cfg)
			if frame != tt.wantFrame || ring != tt.wantRing {
				t.Errorf("Sizes() = %d, %d, want %d, %d", frame, ring, tt.wantFrame, tt.wantRing)
			}
		})
	}
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	data := pattern(10 * 320)
	p := newTestPipeline(t, replay(data), nil, func(c *config.CaptureConfig) { c.FrameMs = 10 })

	a, b := newRecorder(), newRecorder()
	p.Subscribe(a)
	p.Subscribe(b)

	if err := p.StartRecording(context.Background(), nil); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if err := a.waitStopped(t); err != nil {
		t.Errorf("stopped with error %v", err)
	}
	b.waitStopped(t)

	fa, fb := a.snapshot(), b.snapshot()
	if len(fa) != 10 || len(fb) != 10 {
		t.Fatalf("frames = %d, %d, want 10 each", len(fa), len(fb))
	}
	var joined []byte
	for i := range fa {
		if fa[i].Offset != fb[i].Offset || !bytes.Equal(fa[i].Data, fb[i].Data) {
			t.Fatalf("frame %d differs between subscribers", i)
		}
		if fa[i].Offset != int64(i*320) {
			t.Errorf("frame %d offset = %d", i, fa[i].Offset)
		}
		joined = append(joined, fa[i].Data...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("frames do not reassemble the source")
	}

	select {
	case rec := <-a.started:
		if rec.OneShot {
			t.Error("recording without trigger is one-shot")
		}
	default:
		t.Error("started notification missing")
	}
}

func TestAccumulationNeverExceedsWindow(t *testing.T) {
	rate := 16000
	maxBytes := windowBytes(rate, types.MaxCaptureWindow)
	data := pattern(maxBytes + 7*32000 + 123)

	persist := &memPersister{windows: make(chan *Window, 1)}
	p := newTestPipeline(t, replay(data), persist, func(c *config.CaptureConfig) {
		c.FrameMs = 1000
		c.RetainWindow = true
	})
	rec := newRecorder()
	p.Subscribe(rec)

	if err := p.StartRecording(context.Background(), nil); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	rec.waitStopped(t)

	select {
	case w := <-persist.windows:
		if len(w.PCM) != maxBytes {
			t.Fatalf("retained %d bytes, want %d", len(w.PCM), maxBytes)
		}
		if !bytes.Equal(w.PCM, data[len(data)-maxBytes:]) {
			t.Error("retained window is not the trailing audio")
		}
		if w.SampleRate != rate {
			t.Errorf("SampleRate = %d", w.SampleRate)
		}
	case <-time.After(waitTimeout):
		t.Fatal("window not persisted")
	}
}

func TestOneShotStopsAtWindow(t *testing.T) {
	p := newTestPipeline(t, replay(pattern(64000)), nil, func(c *config.CaptureConfig) {
		c.FrameMs = 10
		c.OneShotWindowMs = 100
	})
	rec := newRecorder()
	p.Subscribe(rec)

	trigger := &Trigger{CaptureAvailable: true, CaptureSession: 3}
	if err := p.StartRecording(context.Background(), trigger); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	rec.waitStopped(t)

	total := 0
	for _, f := range rec.snapshot() {
		total += len(f.Data)
	}
	if total != 3200 {
		t.Errorf("captured %d bytes, want 3200", total)
	}
}

func TestBoundedRecordingTrimsLastFrame(t *testing.T) {
	tests := []struct {
		name    string
		trigger *Trigger
	}{
		{"one-shot", &Trigger{CaptureAvailable: true, CaptureSession: 3}},
		{"detected without session", &Trigger{Model: "A.uim", Detected: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// 250 ms is 8000 bytes, which is not a multiple of a 120 ms frame.
			p := newTestPipeline(t, replay(pattern(64000)), nil, func(c *config.CaptureConfig) {
				c.FrameMs = 120
				c.OneShotWindowMs = 250
			})
			rec := newRecorder()
			p.Subscribe(rec)

			if err := p.StartRecording(context.Background(), tt.trigger); err != nil {
				t.Fatalf("StartRecording() error = %v", err)
			}
			info := <-rec.started
			if !info.Bounded || info.MaxBytes != 8000 {
				t.Fatalf("recording = %+v, want bounded at 8000 bytes", info)
			}
			rec.waitStopped(t)

			var sizes []int
			total := 0
			for _, f := range rec.snapshot() {
				sizes = append(sizes, len(f.Data))
				total += len(f.Data)
			}
			if total != info.MaxBytes {
				t.Errorf("captured %d bytes in frames %v, want %d", total, sizes, info.MaxBytes)
			}
			if n := len(sizes); n != 3 || sizes[n-1] != 320 {
				t.Errorf("frame sizes = %v, want [3840 3840 320]", sizes)
			}
		})
	}
}

func TestReadNextFrameSkipsBeforeKeywordEnd(t *testing.T) {
	var session int
	opener := OpenerFunc(func(_ context.Context, s int) (io.ReadCloser, error) {
		session = s
		return io.NopCloser(bytes.NewReader(pattern(5 * 320))), nil
	})
	p := newTestPipeline(t, opener, nil, func(c *config.CaptureConfig) { c.FrameMs = 10 })

	trigger := &Trigger{CaptureAvailable: true, CaptureSession: 7, KeywordEnd: 500}
	if err := p.StartRecording(context.Background(), trigger); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if session != 7 {
		t.Errorf("opened session %d, want 7", session)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var offsets []int64
	for {
		f, ok := p.ReadNextFrame(ctx)
		if !ok {
			break
		}
		offsets = append(offsets, f.Offset)
	}
	want := []int64{640, 960, 1280}
	if len(offsets) != len(want) {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
	for i := range want {
		if offsets[i] != want[i] {
			t.Errorf("offsets = %v, want %v", offsets, want)
			break
		}
	}
}

func TestReadNextFrameWithoutRecording(t *testing.T) {
	p := newTestPipeline(t, replay(nil), nil, nil)
	if _, ok := p.ReadNextFrame(context.Background()); ok {
		t.Error("ReadNextFrame() returned a frame before any recording")
	}
}

func TestStopRecording(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	p := newTestPipeline(t, OpenerFunc(func(context.Context, int) (io.ReadCloser, error) {
		return pr, nil
	}), nil, func(c *config.CaptureConfig) { c.FrameMs = 10 })

	p.StopRecording() // No-op while idle.

	rec := newRecorder()
	p.Subscribe(rec)
	if err := p.StartRecording(context.Background(), nil); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if !p.IsRecording() {
		t.Fatal("IsRecording() = false")
	}
	if err := p.StartRecording(context.Background(), nil); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("second StartRecording() error = %v, want ErrAlreadyRecording", err)
	}

	if _, err := pw.Write(pattern(320)); err != nil {
		t.Fatal(err)
	}

	p.StopRecording()
	p.StopRecording()
	if err := rec.waitStopped(t); err != nil {
		t.Errorf("stop reported error %v", err)
	}
	if p.IsRecording() {
		t.Error("IsRecording() = true after stop")
	}
	if got := len(rec.snapshot()); got != 1 {
		t.Errorf("frames = %d, want 1", got)
	}
}

// strictCloser fails on every Close after the first.
type strictCloser struct {
	*io.PipeReader
	closes atomic.Int32
}

func (c *strictCloser) Close() error {
	if c.closes.Add(1) > 1 {
		return errors.New("closed twice")
	}
	return c.PipeReader.Close()
}

func TestStopRecordingClosesSourceOnce(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := &strictCloser{PipeReader: pr}
	p := newTestPipeline(t, OpenerFunc(func(context.Context, int) (io.ReadCloser, error) {
		return src, nil
	}), nil, func(c *config.CaptureConfig) { c.FrameMs = 10 })
	rec := newRecorder()
	p.Subscribe(rec)

	if err := p.StartRecording(context.Background(), nil); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	p.StopRecording()
	if err := rec.waitStopped(t); err != nil {
		t.Errorf("stop reported error %v", err)
	}
	if n := src.closes.Load(); n != 1 {
		t.Errorf("source closed %d times, want 1", n)
	}
}

// quitter unsubscribes itself on its first frame.
type quitter struct {
	p      *Pipeline
	mu     sync.Mutex
	frames int
}

func (q *quitter) OnRecordingStarted(Recording)        {}
func (q *quitter) OnRecordingStopped(Recording, error) {}
func (q *quitter) OnFrame(types.Frame) {
	q.mu.Lock()
	q.frames++
	q.mu.Unlock()
	q.p.Unsubscribe(q)
}

func TestUnsubscribeFromFrame(t *testing.T) {
	p := newTestPipeline(t, replay(pattern(4*320)), nil, func(c *config.CaptureConfig) { c.FrameMs = 10 })
	q := &quitter{p: p}
	rec := newRecorder()
	p.Subscribe(q)
	p.Subscribe(rec)

	if err := p.StartRecording(context.Background(), nil); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	rec.waitStopped(t)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.frames != 1 {
		t.Errorf("quitter saw %d frames, want 1", q.frames)
	}
	if got := len(rec.snapshot()); got != 4 {
		t.Errorf("recorder saw %d frames, want 4", got)
	}
}

func TestStartRecordingAfterClose(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	p := New(&env.Env{Config: cfg}, replay(nil), nil)
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.StartRecording(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("StartRecording() error = %v, want ErrClosed", err)
	}
}
