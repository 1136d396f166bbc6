package process

import "sync"

// DefaultBufferLimit bounds the diagnostic output kept per stream.
const DefaultBufferLimit = 64 * 1024

// Buffer is a concurrency-safe writer that keeps only the first limit bytes
// written to it. Later writes are counted but discarded, so a chatty child
// cannot grow memory without bound.
type Buffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

// NewBuffer returns a Buffer holding at most limit bytes (DefaultBufferLimit when limit <= 0).
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &Buffer{limit: limit}
}

// Write never fails and always reports len(p) so exec's copy goroutines keep draining the pipe.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	room := b.limit - len(b.buf)
	if room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	b.mu.Unlock()
	return len(p), nil
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Truncated reports whether any output was dropped.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
