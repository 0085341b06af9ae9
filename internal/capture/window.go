package capture

// window keeps the most recent bytes written to it, up to a fixed limit.
// Its storage is reused across recordings.
type window struct {
	buf  []byte
	pos  int // Next write position
	full bool
}

// reset empties the window and sets its limit, reallocating only when the
// existing storage is too small.
func (w *window) reset(limit int) {
	if cap(w.buf) < limit {
		w.buf = make([]byte, limit)
	}
	w.buf = w.buf[:limit]
	w.pos = 0
	w.full = false
}

func (w *window) write(p []byte) {
	size := len(w.buf)
	if size == 0 || len(p) == 0 {
		return
	}
	if len(p) >= size {
		copy(w.buf, p[len(p)-size:])
		w.pos = 0
		w.full = true
		return
	}
	n := copy(w.buf[w.pos:], p)
	if n < len(p) {
		copy(w.buf, p[n:])
		w.full = true
	}
	w.pos = (w.pos + len(p)) % size
	if w.pos == 0 {
		w.full = true
	}
}

// len returns the number of retained bytes.
func (w *window) len() int {
	if w.full {
		return len(w.buf)
	}
	return w.pos
}

// bytes returns a copy of the retained bytes in capture order.
func (w *window) bytes() []byte {
	out := make([]byte, 0, w.len())
	if w.full {
		out = append(out, w.buf[w.pos:]...)
	}
	return append(out, w.buf[:w.pos]...)
}
