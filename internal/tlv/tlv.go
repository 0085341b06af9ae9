// Package tlv encodes and decodes the opaque parameter buffer exchanged with
// the recognition engine.
//
// The buffer is a sequence of records, each a little-endian u32 tag, a
// little-endian u32 payload length and the payload itself. Payloads written
// by this package are sequences of little-endian u32 fields.
package tlv

import (
	"encoding/binary"

	"github.com/oszuidwest/zwfm-wakeword/internal/types"
)

// Tag identifies the payload type of a record.
type Tag uint32

// Record tags understood by the engine.
const (
	TagConfidenceLevels    Tag = 0
	TagHistoryBufferConfig Tag = 1
	TagKeywordIndices      Tag = 2
	TagTimestamp           Tag = 3
	TagCNNConfidenceLevels Tag = 4
	TagVOPConfidenceLevels Tag = 5
)

const (
	headerSize         = 8
	keywordIndicesSize = 12

	// payloadVersion is the layout version written in front of every payload.
	payloadVersion = 1
)

// Writer appends records to a buffer.
type Writer struct {
	buf []byte
}

// Record appends one record whose payload is the given u32 fields.
func (w *Writer) Record(tag Tag, fields ...uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(tag))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(fields)*4))
	for _, f := range fields {
		w.buf = binary.LittleEndian.AppendUint32(w.buf, f)
	}
}

// Raw appends one record with an arbitrary payload.
func (w *Writer) Raw(tag Tag, payload []byte) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(tag))
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(payload)))
	w.buf = append(w.buf, payload...)
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Encode builds the recognition parameters passed to the engine at start.
// Records are written in the order the engine expects: confidence levels,
// history buffer config and, for format v3 models, the CNN and VOP thresholds.
func Encode(conf types.ConfidenceConfig, historyMs, preRollMs uint32, v3 bool) []byte {
	var w Writer
	w.Record(TagConfidenceLevels, payloadVersion, uint32(conf.Keyphrase), uint32(conf.User))
	w.Record(TagHistoryBufferConfig, payloadVersion, historyMs, preRollMs)
	if v3 {
		w.Record(TagCNNConfidenceLevels, payloadVersion, uint32(conf.CNN))
		w.Record(TagVOPConfidenceLevels, payloadVersion, uint32(conf.VOP))
	}
	return w.Bytes()
}

// KeywordIndices returns a buffer holding a single KEYWORD_INDICES record.
func KeywordIndices(formatVersion, begin, end uint32) []byte {
	var w Writer
	w.Record(TagKeywordIndices, formatVersion, begin, end)
	return w.Bytes()
}

// Result holds the fields decoded from an engine event payload.
type Result struct {
	FormatVersion     uint32
	BeginIndex        uint32
	EndIndex          uint32
	HasKeywordIndices bool
}

// Decode scans an engine event payload for the keyword span.
//
// Decode never fails: scanning stops at the first record that does not fit
// in the buffer and whatever was decoded up to that point is returned.
func Decode(buf []byte) Result {
	var res Result
	Walk(buf, func(tag Tag, payload []byte) bool {
		if tag != TagKeywordIndices {
			return true
		}
		if len(payload) < keywordIndicesSize {
			return false
		}
		f := Fields(payload[:keywordIndicesSize])
		res = Result{FormatVersion: f[0], BeginIndex: f[1], EndIndex: f[2], HasKeywordIndices: true}
		return true
	})
	return res
}

// Walk calls fn for every complete record in buf, in order, until fn returns
// false. A record whose declared length exceeds the remaining bytes ends the walk.
func Walk(buf []byte, fn func(tag Tag, payload []byte) bool) {
	c := cursor{buf: buf}
	for c.remaining() >= headerSize {
		tag, _ := c.uint32()
		length, _ := c.uint32()
		payload, ok := c.next(length)
		if !ok || !fn(Tag(tag), payload) {
			return
		}
	}
}

// Fields splits a payload into little-endian u32 fields. Trailing bytes are ignored.
func Fields(payload []byte) []uint32 {
	c := cursor{buf: payload}
	out := make([]uint32, 0, len(payload)/4)
	for {
		v, ok := c.uint32()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// cursor reads little-endian fields and refuses reads past the end of buf.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.pos
}

func (c *cursor) uint32() (uint32, bool) {
	if c.remaining() < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, true
}

func (c *cursor) next(n uint32) ([]byte, bool) {
	if uint64(n) > uint64(c.remaining()) {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+int(n)]
	c.pos += int(n)
	return b, true
}
