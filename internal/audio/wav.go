package audio

import (
	"encoding/binary"
	"io"
)

// WAVHeaderSize is the size of the canonical PCM WAV header.
const WAVHeaderSize = 44

// WAVHeader returns the 44-byte header of a 16-bit PCM WAV file holding
// dataSize bytes of audio.
func WAVHeader(sampleRate, channels, dataSize int) []byte {
	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataSize))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM sub-chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	return h
}

// WriteWAV writes pcm as a mono WAV file to w.
func WriteWAV(w io.Writer, sampleRate int, pcm []byte) error {
	if _, err := w.Write(WAVHeader(sampleRate, 1, len(pcm))); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
