package pullbox

import (
	"bytes"
	"sync"
)

// MaxOutputBytes bounds what is captured from each of stdout and stderr.
const MaxOutputBytes = 10 << 20

// cappedBuffer keeps the first limit bytes written to it and silently
// discards the rest, remembering that it did. It is safe for one writer
// and concurrent readers.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write always reports the full length so that the copying reader keeps
// draining the pipe after the limit is reached.
func (w *cappedBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.limit <= 0 {
		w.buf.Write(p)
		return len(p), nil
	}
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// WriteString appends s; it is used for launcher-generated messages.
func (w *cappedBuffer) WriteString(s string) {
	_, _ = w.Write([]byte(s))
}

func (w *cappedBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *cappedBuffer) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
