package hidreport

import (
	"errors"

	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport/hiddesc"
)

// ErrNoInputReports is returned when a size table declares no input
// reports at all; there is nothing such a device could ever stream.
var ErrNoInputReports = errors.New("hidreport: descriptor declares no input reports")

// FrameFunc receives one complete report frame. The slice is only valid
// for the duration of the call; the assembler reuses its backing storage.
type FrameFunc func(frame []byte)

// Assembler reassembles complete report frames out of transport chunks.
// The transport may split the stream anywhere: a chunk can hold a partial
// frame, exactly one frame, or several frames plus a trailing fragment.
// The emitted frame sequence is the same for any split of the same stream.
//
// Assembler is not safe for concurrent use. The transport layer delivers
// chunks from a single goroutine per device, and Push relies on that.
type Assembler struct {
	log   *zap.Logger
	table *hiddesc.SizeTable
	emit  FrameFunc

	// buf holds the fragment of a report still being collected. Its
	// capacity equals the largest input report in the table, so a pending
	// frame always fits.
	buf    []byte
	filled int
	needed int
}

// NewAssembler sizes the fragment buffer to the largest input report in
// the normalized table. Frames are delivered synchronously to emit.
func NewAssembler(log *zap.Logger, table *hiddesc.SizeTable, emit FrameFunc) (*Assembler, error) {
	maxSize := table.MaxInputBytes()
	if maxSize == 0 {
		return nil, ErrNoInputReports
	}
	return &Assembler{
		log:   log,
		table: table,
		emit:  emit,
		buf:   make([]byte, maxSize),
	}, nil
}

// Push consumes one transport chunk, emitting every frame it completes.
// A chunk that starts with an unknown report id is dropped whole: without
// a size for the leading id there is no way to find the next frame
// boundary within this chunk. The next Push starts clean.
func (a *Assembler) Push(chunk []byte) {
	for len(chunk) > 0 {
		if a.needed > 0 {
			chunk = a.collect(chunk)
			continue
		}
		need := a.table.InputBytes(chunk[0])
		if need == 0 {
			a.log.Warn("dropping chunk with unknown report id",
				zap.Uint8("reportId", chunk[0]),
				zap.Int("dropped", len(chunk)))
			return
		}
		if len(chunk) >= need {
			// Complete frame available in place, no copy.
			a.emit(chunk[:need])
			chunk = chunk[need:]
			continue
		}
		copy(a.buf, chunk)
		a.filled = len(chunk)
		a.needed = need - len(chunk)
		return
	}
}

// collect appends bytes to the pending fragment and emits the frame once
// it is complete, returning whatever is left of the chunk.
func (a *Assembler) collect(chunk []byte) []byte {
	n := len(chunk)
	if n > a.needed {
		n = a.needed
	}
	copy(a.buf[a.filled:], chunk[:n])
	a.filled += n
	a.needed -= n
	if a.needed == 0 {
		frame := a.buf[:a.filled]
		a.filled = 0
		a.emit(frame)
	}
	return chunk[n:]
}

// Pending returns the number of fragment bytes collected so far.
func (a *Assembler) Pending() int {
	return a.filled
}

// Reset discards any pending fragment. Called on device teardown.
func (a *Assembler) Reset() {
	a.filled = 0
	a.needed = 0
}
