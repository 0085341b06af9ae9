// Package audio provides PCM helpers and platform capture commands for
// 16-bit little-endian audio.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// MinDB is the floor reported for silence.
	MinDB = -96.0
	// MaxSampleValue is the full-scale magnitude of a 16-bit sample.
	MaxSampleValue = 32768.0
)

// Samples decodes s16le bytes into dst, growing it when needed, and returns
// the decoded slice. A trailing odd byte is ignored.
func Samples(dst []int16, buf []byte) []int16 {
	n := len(buf) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return dst
}

// LevelDB returns the RMS level of samples in dBFS, floored at [MinDB].
func LevelDB(samples []int16) float64 {
	if len(samples) == 0 {
		return MinDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return MinDB
	}
	return max(20*math.Log10(rms/MaxSampleValue), MinDB)
}

// Normalize converts samples to float32 in [-1, 1).
func Normalize(dst []float32, samples []int16) []float32 {
	if cap(dst) < len(samples) {
		dst = make([]float32, len(samples))
	}
	dst = dst[:len(samples)]
	for i, s := range samples {
		dst[i] = float32(s) / MaxSampleValue
	}
	return dst
}
