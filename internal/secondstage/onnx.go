//go:build onnx

package secondstage

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
)

// ONNXAvailable reports that the ONNX matcher is compiled in.
func ONNXAvailable() bool { return true }

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// ONNXMatcher scores a sliding window of audio with a keyword verifier
// model. The model takes "input" [1, window] float32 samples and returns
// "output" [1, 1] with the keyword probability.
type ONNXMatcher struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	threshold float32
	window    int
	hop       int

	buf     []float32 // Unscored samples, at most window long
	pending int       // Samples since the last inference
	seen    int
	scratch []float32
}

// NewONNXMatcher loads the verifier model. Scoring runs on windows of one
// second, advanced in steps of a tenth of a second.
func NewONNXMatcher(opts ONNXOptions) (Matcher, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("onnx: model path is empty")
	}
	ortInitOnce.Do(func() {
		if opts.LibraryPath != "" {
			ort.SetSharedLibraryPath(opts.LibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", ortInitErr)
	}

	window := opts.SampleRate
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(window)))
	if err != nil {
		return nil, fmt.Errorf("onnx: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("onnx: create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{"input"}, []string{"output"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}

	return &ONNXMatcher{
		session:   session,
		input:     input,
		output:    output,
		threshold: float32(opts.Threshold),
		window:    window,
		hop:       max(window/10, 1),
		buf:       make([]float32, 0, window*2),
	}, nil
}

// Process implements [Matcher].
func (m *ONNXMatcher) Process(samples []int16) (Verdict, error) {
	m.scratch = audio.Normalize(m.scratch, samples)
	m.buf = append(m.buf, m.scratch...)
	if over := len(m.buf) - m.window; over > 0 {
		m.buf = append(m.buf[:0], m.buf[over:]...)
	}
	m.seen += len(samples)
	m.pending += len(samples)

	if len(m.buf) < m.window || m.pending < m.hop {
		return Verdict{Kind: Speech}, nil
	}
	m.pending = 0

	copy(m.input.GetData(), m.buf)
	if err := m.session.Run(); err != nil {
		return Verdict{}, fmt.Errorf("onnx: inference: %w", err)
	}
	prob := m.output.GetData()[0]
	switch {
	case prob >= m.threshold:
		return Verdict{Kind: Match, Index: m.seen}, nil
	case prob >= m.threshold/2:
		return Verdict{Kind: Speech}, nil
	default:
		return Verdict{Kind: NoSpeech}, nil
	}
}

// Reset implements [Matcher].
func (m *ONNXMatcher) Reset() {
	m.buf = m.buf[:0]
	m.pending = 0
	m.seen = 0
}

// Close implements [Matcher]. It is safe to call more than once.
func (m *ONNXMatcher) Close() error {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
	return nil
}
