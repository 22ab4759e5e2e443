package hidsvc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/hidio/hidstream/pkg/ring"
)

var (
	// ErrNoData is returned by Read when no report is buffered. Read never
	// waits; callers wait on Readable before retrying.
	ErrNoData = errors.New("hidsvc: no buffered report")
	// ErrBufferTooSmall is returned when the destination cannot hold the
	// next frame. The frame stays buffered.
	ErrBufferTooSmall = errors.New("hidsvc: destination buffer too small")
	// ErrSessionClosed is returned once a session or its device is closed.
	ErrSessionClosed = errors.New("hidsvc: session closed")
)

// Session is one independent reader of a device's report stream. Each
// session owns a bounded FIFO of complete frames; a full or slow session
// drops frames for itself only and never slows the device or its peers.
//
// The session lock guards FIFO contents and flags. List membership in the
// device's session collection is guarded by the device lock instead, so a
// blocked reader cannot stall session open/close.
type Session struct {
	dev *Device

	mu          sync.Mutex
	fifo        *ring.Buffer
	readable    bool
	writeFailed bool
	closed      bool

	readableCh chan struct{}
	closedCh   chan struct{}
}

func newSession(dev *Device, capacity int) *Session {
	return &Session{
		dev:        dev,
		fifo:       ring.New(capacity),
		readableCh: make(chan struct{}, 1),
		closedCh:   make(chan struct{}),
	}
}

// push enqueues one frame, best-effort. The whole frame fits or nothing
// is written. The buffer-full diagnostic fires only on the transition
// into the failed state, not per dropped frame.
func (s *Session) push(frame []byte, log *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	wasEmpty := s.fifo.Len() == 0
	if _, err := s.fifo.Write(frame); err != nil {
		if !s.writeFailed {
			s.writeFailed = true
			log.Warn("session buffer full, dropping reports",
				zap.Int("capacity", s.fifo.Cap()))
		}
		return
	}
	s.writeFailed = false
	if wasEmpty {
		s.markReadableLocked()
	}
}

func (s *Session) markReadableLocked() {
	s.readable = true
	select {
	case s.readableCh <- struct{}{}:
	default:
	}
}

func (s *Session) clearReadableLocked() {
	s.readable = false
	select {
	case <-s.readableCh:
	default:
	}
}

// Readable returns a channel that carries a token on every transition of
// the FIFO from empty to non-empty. After receiving a token, drain the
// session with Read until ErrNoData.
func (s *Session) Readable() <-chan struct{} {
	return s.readableCh
}

// Closed is closed when the session or its device is torn down, releasing
// any readiness waiters.
func (s *Session) Closed() <-chan struct{} {
	return s.closedCh
}

// WaitReadable blocks until a report is buffered, the session closes, or
// ctx is cancelled.
func (s *Session) WaitReadable(ctx context.Context) error {
	for {
		s.mu.Lock()
		closed, readable := s.closed, s.readable
		s.mu.Unlock()
		if closed {
			return ErrSessionClosed
		}
		if readable {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closedCh:
			return ErrSessionClosed
		case <-s.readableCh:
		}
	}
}

// PeekID returns the leading byte of the oldest buffered frame without
// consuming it.
func (s *Session) PeekID() (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fifo.Peek()
}

// Read pops exactly one frame into dst and returns its length. The frame
// length is resolved from the leading id byte of the oldest buffered
// frame; if dst is shorter the FIFO is left untouched and
// ErrBufferTooSmall is returned. Read never waits for data.
func (s *Session) Read(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	id, ok := s.fifo.Peek()
	if !ok {
		return 0, ErrNoData
	}
	// Only whole frames are enqueued, so the table always knows this id.
	n := s.dev.table.InputBytes(id)
	if len(dst) < n {
		return 0, ErrBufferTooSmall
	}
	s.fifo.Read(dst[:n])
	if s.fifo.Len() == 0 {
		s.clearReadableLocked()
	}
	return n, nil
}

// Buffered returns the number of buffered bytes.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fifo.Len()
}

// Close detaches the session from its device and releases waiters.
// Closing twice is a no-op.
func (s *Session) Close() {
	s.dev.removeSession(s)
	s.markClosed()
}

func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closedCh)
}
