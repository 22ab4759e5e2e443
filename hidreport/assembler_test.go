package hidreport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport/hiddesc"
)

// tableOf builds a size table by feeding a minimal descriptor through the
// parser, so assembler tests run against real parser output.
func tableOf(t *testing.T, sizes map[uint8]int) *hiddesc.SizeTable {
	t.Helper()
	var desc []byte
	desc = append(desc, 0x95, 0x01) // report count 1
	for id, size := range sizes {
		desc = append(desc,
			0x85, id,             // report id
			0x75, byte(size*8-8), // report size minus the id prefix byte
			0x81, 0x02,           // input
		)
	}
	table, err := hiddesc.ParseSizeTable(desc)
	require.NoError(t, err)
	table.AddIDPrefix()
	return table
}

func collectFrames(frames *[][]byte) FrameFunc {
	return func(frame []byte) {
		f := make([]byte, len(frame))
		copy(f, frame)
		*frames = append(*frames, f)
	}
}

func TestAssemblerWholeStream(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 3})
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)

	asm.Push([]byte{1, 0xAA, 0xBB, 1, 0xCC, 0xDD})
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{1, 0xAA, 0xBB}, frames[0])
	assert.Equal(t, []byte{1, 0xCC, 0xDD}, frames[1])
	assert.Equal(t, 0, asm.Pending())
}

// splits enumerates every way to cut stream into non-empty chunks and
// calls fn with each chunking.
func splits(stream []byte, fn func(chunks [][]byte)) {
	var recurse func(rest []byte, acc [][]byte)
	recurse = func(rest []byte, acc [][]byte) {
		if len(rest) == 0 {
			fn(acc)
			return
		}
		for n := 1; n <= len(rest); n++ {
			recurse(rest[n:], append(acc, rest[:n]))
		}
	}
	recurse(stream, nil)
}

func TestAssemblerChunkingInvariance(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 3})
	stream := []byte{1, 0xA1, 0xA2, 1, 0xB1, 0xB2}

	var want [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&want))
	require.NoError(t, err)
	asm.Push(stream)
	require.Len(t, want, 2)

	splits(stream, func(chunks [][]byte) {
		var got [][]byte
		asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&got))
		require.NoError(t, err)
		for _, chunk := range chunks {
			asm.Push(chunk)
		}
		assert.Equal(t, want, got, fmt.Sprintf("chunking %v", chunks))
	})
}

func TestAssemblerChunkingInvarianceMixedSizes(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 2, 2: 4})
	stream := []byte{2, 0x10, 0x11, 0x12, 1, 0x20, 2, 0x30, 0x31, 0x32}

	var want [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&want))
	require.NoError(t, err)
	asm.Push(stream)
	require.Equal(t, [][]byte{
		{2, 0x10, 0x11, 0x12},
		{1, 0x20},
		{2, 0x30, 0x31, 0x32},
	}, want)

	splits(stream, func(chunks [][]byte) {
		var got [][]byte
		asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&got))
		require.NoError(t, err)
		for _, chunk := range chunks {
			asm.Push(chunk)
		}
		assert.Equal(t, want, got)
	})
}

func TestAssemblerFragmentAcrossManyChunks(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 5})
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)

	for _, b := range []byte{1, 2, 3, 4} {
		asm.Push([]byte{b})
		assert.Empty(t, frames)
	}
	assert.Equal(t, 4, asm.Pending())
	asm.Push([]byte{5})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, frames[0])
	assert.Equal(t, 0, asm.Pending())
}

func TestAssemblerUnknownReportID(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 3, 2: 3})
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)

	// The remainder of the bad chunk is dropped, including the valid-looking
	// bytes after the unknown id; the next call resumes cleanly.
	asm.Push([]byte{9, 0xFF, 0xFF, 1, 0xAA, 0xBB})
	assert.Empty(t, frames)
	asm.Push([]byte{1, 0xAA, 0xBB})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 0xAA, 0xBB}, frames[0])
}

func TestAssemblerUnknownIDAfterCompleteFrame(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 3, 2: 3})
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)

	asm.Push([]byte{1, 0xAA, 0xBB, 9, 0xFF})
	require.Len(t, frames, 1)
	assert.Equal(t, 0, asm.Pending())
}

func TestAssemblerSingleReportAcceptsAnyLeadingByte(t *testing.T) {
	// Boot pointer table: one 3-byte report, no id prefix. The first byte
	// is button state, not a report id, and must match the single entry.
	table := hiddesc.BootPointerTable()
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)

	asm.Push([]byte{0x00, 0x10, 0x20, 0xFF, 0x30, 0x40})
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0x00, 0x10, 0x20}, frames[0])
	assert.Equal(t, []byte{0xFF, 0x30, 0x40}, frames[1])
}

func TestAssemblerEmptyChunk(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 3})
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)
	asm.Push(nil)
	asm.Push([]byte{})
	assert.Empty(t, frames)
	assert.Equal(t, 0, asm.Pending())
}

func TestAssemblerReset(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 4})
	var frames [][]byte
	asm, err := NewAssembler(zap.NewNop(), table, collectFrames(&frames))
	require.NoError(t, err)

	asm.Push([]byte{1, 2})
	require.Equal(t, 2, asm.Pending())
	asm.Reset()
	assert.Equal(t, 0, asm.Pending())
	asm.Push([]byte{1, 0xA, 0xB, 0xC})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 0xA, 0xB, 0xC}, frames[0])
}

func TestAssemblerRequiresInputReports(t *testing.T) {
	table, err := hiddesc.ParseSizeTable(nil)
	require.NoError(t, err)
	_, err = NewAssembler(zap.NewNop(), table, func([]byte) {})
	require.ErrorIs(t, err, ErrNoInputReports)
}

func TestNormalizeBootPointer(t *testing.T) {
	table := tableOf(t, map[uint8]int{1: 8})
	got := Normalize(zap.NewNop(), table, Classification{IsPointer: true, SupportsBootProtocol: true})
	require.Equal(t, 1, got.Len())
	assert.Equal(t, 3, got.InputBytes(0))
	assert.False(t, got.UsesReportIDs())
}

func TestNormalizePointerWithoutBootSupport(t *testing.T) {
	desc := []byte{
		0x95, 0x01, // report count 1
		0x75, 0x40, // report size 64 bits
		0x81, 0x02, // input
	}
	table, err := hiddesc.ParseSizeTable(desc)
	require.NoError(t, err)
	got := Normalize(zap.NewNop(), table, Classification{IsPointer: true})
	assert.Equal(t, 8, got.InputBytes(0))
}

func TestNormalizeAddsIDPrefix(t *testing.T) {
	desc := []byte{
		0x95, 0x01, // report count 1
		0x75, 0x10, // report size 16 bits
		0x85, 0x01, // report id 1
		0x81, 0x02, // input
	}
	table, err := hiddesc.ParseSizeTable(desc)
	require.NoError(t, err)
	got := Normalize(zap.NewNop(), table, Classification{})
	assert.Equal(t, 3, got.InputBytes(1))
}
