package secondstage

import (
	"fmt"
	"time"

	"github.com/oszuidwest/zwfm-wakeword/internal/audio"
	"github.com/oszuidwest/zwfm-wakeword/internal/config"
)

// Kind classifies a block of samples.
type Kind int

// Verdict kinds.
const (
	NoSpeech Kind = iota
	Speech        // Speech without a match yet
	Match
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case NoSpeech:
		return "no_speech"
	case Speech:
		return "speech"
	case Match:
		return "match"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Verdict is the result of feeding one block of samples to a [Matcher].
// Index is the sample position of the match, counted from the last reset.
type Verdict struct {
	Kind  Kind
	Index int
}

// Matcher verifies a keyword in a stream of 16-bit samples.
type Matcher interface {
	// Process consumes the next block of samples.
	Process(samples []int16) (Verdict, error)
	// Reset clears all state accumulated since the last reset.
	Reset()
	// Close releases resources.
	Close() error
}

// NewMatcher returns the matcher selected by cfg for audio at sampleRate Hz.
func NewMatcher(cfg config.SecondStageConfig, sampleRate int) (Matcher, error) {
	switch cfg.Matcher {
	case "", "energy":
		minSpeech := time.Duration(cfg.MinSpeechMs) * time.Millisecond
		return NewEnergyMatcher(cfg.SpeechThresholdDB, minSpeech, sampleRate), nil
	case "onnx":
		return NewONNXMatcher(ONNXOptions{
			ModelPath:   cfg.ModelPath,
			LibraryPath: cfg.LibraryPath,
			Threshold:   cfg.MatchThreshold,
			SampleRate:  sampleRate,
		})
	default:
		return nil, fmt.Errorf("unknown matcher %q", cfg.Matcher)
	}
}

// EnergyMatcher matches once speech has lasted long enough without a break.
// A block is speech when its RMS level reaches the threshold.
type EnergyMatcher struct {
	thresholdDB float64
	minSamples  int

	seen   int // Samples since reset
	speech int // Length of the current speech run
}

// NewEnergyMatcher creates an energy matcher.
func NewEnergyMatcher(thresholdDB float64, minSpeech time.Duration, sampleRate int) *EnergyMatcher {
	return &EnergyMatcher{
		thresholdDB: thresholdDB,
		minSamples:  int(int64(sampleRate) * int64(minSpeech) / int64(time.Second)),
	}
}

// Process implements [Matcher].
func (m *EnergyMatcher) Process(samples []int16) (Verdict, error) {
	m.seen += len(samples)
	if audio.LevelDB(samples) < m.thresholdDB {
		m.speech = 0
		return Verdict{Kind: NoSpeech}, nil
	}
	m.speech += len(samples)
	if m.speech >= m.minSamples {
		return Verdict{Kind: Match, Index: m.seen}, nil
	}
	return Verdict{Kind: Speech}, nil
}

// Reset implements [Matcher].
func (m *EnergyMatcher) Reset() {
	m.seen = 0
	m.speech = 0
}

// Close implements [Matcher].
func (m *EnergyMatcher) Close() error { return nil }
