package secondstage

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/capture"
	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// scripted returns verdicts in order and records what it was fed.
type scripted struct {
	verdicts []Verdict
	err      error
	calls    int
	resets   int
	fed      int
}

func (s *scripted) Process(samples []int16) (Verdict, error) {
	s.fed += len(samples)
	if s.err != nil {
		return Verdict{}, s.err
	}
	if s.calls >= len(s.verdicts) {
		s.calls++
		return Verdict{Kind: Speech}, nil
	}
	v := s.verdicts[s.calls]
	s.calls++
	return v, nil
}

func (s *scripted) Reset()       { s.resets++ }
func (s *scripted) Close() error { return nil }

type fakeSource struct {
	unsubscribed []capture.Subscriber
}

func (f *fakeSource) Unsubscribe(s capture.Subscriber) {
	f.unsubscribed = append(f.unsubscribed, s)
}

// frame returns n samples of constant value v.
func frame(n int, v int16) types.Frame {
	b := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return types.Frame{Data: b}
}

func TestDetectorMatch(t *testing.T) {
	m := &scripted{verdicts: []Verdict{{Kind: NoSpeech}, {Kind: Speech}, {Kind: Match, Index: 4000}}}
	src := &fakeSource{}
	var results []Result
	d := NewDetector("hey", m, src, 2*time.Second, 16000, func(r Result) { results = append(results, r) })

	for range 5 {
		d.OnFrame(frame(1920, 100))
	}
	d.OnRecordingStopped(capture.Recording{}, nil)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Outcome != Detected || r.Index != 4000 || r.Model != "hey" || r.Samples != 3*1920 {
		t.Errorf("result = %+v", r)
	}
	if m.calls != 3 {
		t.Errorf("matcher fed %d times after verdict, want 3 calls", m.calls)
	}
	if m.resets != 1 {
		t.Errorf("resets = %d, want 1", m.resets)
	}
	if len(src.unsubscribed) != 1 || src.unsubscribed[0] != d {
		t.Errorf("unsubscribed = %v", src.unsubscribed)
	}
	if !d.Done() {
		t.Error("Done() = false")
	}
}

func TestDetectorLookAheadExceeded(t *testing.T) {
	m := &scripted{}
	src := &fakeSource{}
	var results []Result
	// 100 ms look-ahead at 16 kHz is 1600 samples.
	d := NewDetector("hey", m, src, 100*time.Millisecond, 16000, func(r Result) { results = append(results, r) })

	d.OnFrame(frame(800, 0))
	d.OnFrame(frame(800, 0))
	if len(results) != 0 {
		t.Fatalf("verdict at exactly the limit: %+v", results)
	}
	d.OnFrame(frame(1, 0))

	if len(results) != 1 || results[0].Outcome != Undetected || results[0].Reason != "lookahead_exceeded" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Samples != 1601 {
		t.Errorf("Samples = %d, want 1601", results[0].Samples)
	}
	if m.resets != 1 || len(src.unsubscribed) != 1 {
		t.Errorf("resets = %d, unsubscribed = %d", m.resets, len(src.unsubscribed))
	}
}

func TestDetectorRecordingStopped(t *testing.T) {
	src := &fakeSource{}
	var results []Result
	d := NewDetector("hey", &scripted{}, src, time.Second, 16000, func(r Result) { results = append(results, r) })

	streamErr := errors.New("device gone")
	d.OnFrame(frame(160, 0))
	d.OnRecordingStopped(capture.Recording{}, streamErr)
	d.OnRecordingStopped(capture.Recording{}, nil)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Outcome != Undetected || !errors.Is(results[0].Err, streamErr) {
		t.Errorf("result = %+v", results[0])
	}
}

func TestDetectorMatcherError(t *testing.T) {
	boom := errors.New("inference failed")
	var results []Result
	d := NewDetector("hey", &scripted{err: boom}, &fakeSource{}, time.Second, 16000, func(r Result) { results = append(results, r) })

	d.OnFrame(frame(160, 0))
	if len(results) != 1 || results[0].Outcome != Undetected || !errors.Is(results[0].Err, boom) {
		t.Errorf("results = %+v", results)
	}
}

func TestEnergyMatcher(t *testing.T) {
	// 100 ms minimum speech at 16 kHz is 1600 samples.
	m := NewEnergyMatcher(-30, 100*time.Millisecond, 16000)
	loud := frame(800, 8000).Data
	quiet := frame(800, 10).Data
	samples := func(b []byte) []int16 {
		out := make([]int16, len(b)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
		}
		return out
	}

	steps := []struct {
		in   []byte
		want Kind
	}{
		{quiet, NoSpeech},
		{loud, Speech},
		{quiet, NoSpeech}, // Breaks the run
		{loud, Speech},
		{loud, Match},
	}
	for i, s := range steps {
		v, err := m.Process(samples(s.in))
		if err != nil {
			t.Fatal(err)
		}
		if v.Kind != s.want {
			t.Fatalf("step %d: kind = %v, want %v", i, v.Kind, s.want)
		}
		if v.Kind == Match && v.Index != 4000 {
			t.Errorf("Index = %d, want 4000", v.Index)
		}
	}

	m.Reset()
	if v, _ := m.Process(samples(loud)); v.Kind != Speech {
		t.Errorf("after Reset kind = %v, want speech", v.Kind)
	}
}
