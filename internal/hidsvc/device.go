package hidsvc

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport"
	"github.com/hidio/hidstream/hidreport/hiddesc"
)

// DefaultSessionBuffer is the FIFO capacity used when OpenSession is
// called with a non-positive capacity.
const DefaultSessionBuffer = 4096

// ErrDeviceClosed is returned when opening a session on a closed device.
var ErrDeviceClosed = errors.New("hidsvc: device closed")

// Device frames one HID device's input stream and fans the frames out to
// its reader sessions. It is built once from the device's report
// descriptor and classification; the size table never changes afterwards.
type Device struct {
	log   *zap.Logger
	desc  []byte
	table *hiddesc.SizeTable
	asm   *hidreport.Assembler

	// mu guards session-list membership only. The fan-out loop holds it
	// just long enough to hand each session a frame; per-session FIFO
	// state has its own lock.
	mu       sync.Mutex
	sessions []*Session
	closed   bool
}

// NewDevice parses and normalizes the report descriptor and sizes the
// reassembly buffer to the largest input report. A descriptor that fails
// to parse, or declares no input reports, fails the bind.
func NewDevice(log *zap.Logger, descriptor []byte, class hidreport.Classification) (*Device, error) {
	table, err := hiddesc.ParseSizeTable(descriptor)
	if err != nil {
		return nil, fmt.Errorf("failed to parse report descriptor: %w", err)
	}
	table = hidreport.Normalize(log, table, class)

	d := &Device{
		log:   log,
		desc:  append([]byte(nil), descriptor...),
		table: table,
	}
	d.asm, err = hidreport.NewAssembler(log, table, d.dispatch)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// HandleInput ingests one raw transport chunk. The transport delivers
// chunks from a single goroutine per device; HandleInput is not safe for
// concurrent callers.
func (d *Device) HandleInput(chunk []byte) {
	d.asm.Push(chunk)
}

func (d *Device) dispatch(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		s.push(frame, d.log)
	}
}

// OpenSession creates an independent reader of the device's stream with
// the given FIFO capacity in bytes.
func (d *Device) OpenSession(capacity int) (*Session, error) {
	if capacity <= 0 {
		capacity = DefaultSessionBuffer
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	s := newSession(d, capacity)
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *Device) removeSession(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sessions {
		if s == sess {
			d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
			return
		}
	}
}

// Close tears the device down: every open session is marked closed so
// outstanding readiness waiters observe the closure instead of hanging.
// The transport must have stopped calling HandleInput.
func (d *Device) Close() {
	d.mu.Lock()
	sessions := d.sessions
	d.sessions = nil
	d.closed = true
	d.mu.Unlock()
	for _, s := range sessions {
		s.markClosed()
	}
	d.asm.Reset()
}

// Descriptor returns the raw report descriptor bytes, verbatim.
func (d *Device) Descriptor() []byte {
	return append([]byte(nil), d.desc...)
}

// ReportIDs enumerates the device's report ids in the order they first
// appeared in the descriptor.
func (d *Device) ReportIDs() []uint8 {
	return d.table.ReportIDs()
}

// ReportBytes returns the byte size of the given report, or 0 when the id
// is unknown.
func (d *Device) ReportBytes(dir hiddesc.Direction, id uint8) int {
	return d.table.Bytes(dir, id)
}

// MaxInputBytes returns the size of the largest input report.
func (d *Device) MaxInputBytes() int {
	return d.table.MaxInputBytes()
}
