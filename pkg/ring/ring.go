// Package ring implements a fixed-capacity byte FIFO. It backs one reader
// session's report queue: writes are all-or-nothing so a frame is never
// half-enqueued, and reads pop from the front in strict order.
package ring

import "errors"

// ErrWouldBlock is returned by Write when the buffer lacks room for the
// whole payload. Nothing is written in that case.
var ErrWouldBlock = errors.New("ring: buffer full")

// Buffer is a bounded byte FIFO. It is not safe for concurrent use; the
// owner is expected to hold its own lock around every call.
type Buffer struct {
	buf  []byte
	head int
	size int
}

// New returns a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.size }

// Write appends p in full, or writes nothing and returns ErrWouldBlock
// when fewer than len(p) bytes are free.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > len(b.buf)-b.size {
		return 0, ErrWouldBlock
	}
	tail := (b.head + b.size) % len(b.buf)
	n := copy(b.buf[tail:], p)
	copy(b.buf, p[n:])
	b.size += len(p)
	return len(p), nil
}

// Peek returns the oldest buffered byte without consuming it.
func (b *Buffer) Peek() (byte, bool) {
	if b.size == 0 {
		return 0, false
	}
	return b.buf[b.head], true
}

// Read pops up to len(p) bytes from the front of the buffer.
func (b *Buffer) Read(p []byte) int {
	n := len(p)
	if n > b.size {
		n = b.size
	}
	if n == 0 {
		return 0
	}
	m := copy(p[:n], b.buf[b.head:])
	copy(p[m:n], b.buf)
	b.head = (b.head + n) % len(b.buf)
	b.size -= n
	return n
}
