// Package hiddesc extracts per-report byte sizes from HID report descriptors.
// It deliberately ignores report semantics (usages, collections, units) and
// keeps only the bookkeeping needed to frame a raw report stream.
package hiddesc

import "errors"

// MaxReports is the maximum number of distinct report ids a single
// descriptor may declare. Descriptors exceeding it fail to parse.
const MaxReports = 32

var (
	// ErrTableFull is returned when a descriptor declares more than
	// MaxReports distinct report ids.
	ErrTableFull = errors.New("hiddesc: too many report ids")
	// ErrUnbalancedStack is returned when a Pop item has no matching Push.
	ErrUnbalancedStack = errors.New("hiddesc: pop without matching push")
)

// Direction selects which of a report's three size fields to query.
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
	DirectionFeature
)

// SizeEntry holds the accumulated payload sizes of one report id.
// Sizes are accumulated in bits during parsing and consumed in bytes
// (rounded up) everywhere else.
type SizeEntry struct {
	ID          uint8
	InputBits   uint32
	OutputBits  uint32
	FeatureBits uint32
}

func bitsToBytes(bits uint32) int {
	return int((bits + 7) / 8)
}

// InputBytes returns the input report size in whole bytes.
func (e SizeEntry) InputBytes() int { return bitsToBytes(e.InputBits) }

// OutputBytes returns the output report size in whole bytes.
func (e SizeEntry) OutputBytes() int { return bitsToBytes(e.OutputBits) }

// FeatureBytes returns the feature report size in whole bytes.
func (e SizeEntry) FeatureBytes() int { return bitsToBytes(e.FeatureBits) }

// SizeTable is the ordered collection of report sizes declared by one
// descriptor. Entries keep the order in which their report ids first
// appeared; that order is what gets enumerated back to clients. The table
// is built once at bind time and not mutated afterwards.
type SizeTable struct {
	entries []SizeEntry
	withIDs bool
}

// UsesReportIDs reports whether the descriptor declared explicit report ids.
// Such devices prefix every frame on the wire with one id byte.
func (t *SizeTable) UsesReportIDs() bool { return t.withIDs }

// Len returns the number of distinct report ids in the table.
func (t *SizeTable) Len() int { return len(t.entries) }

// Entries returns a copy of the table entries in first-seen order.
func (t *SizeTable) Entries() []SizeEntry {
	out := make([]SizeEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// ReportIDs returns the report ids in first-seen order.
func (t *SizeTable) ReportIDs() []uint8 {
	ids := make([]uint8, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.ID
	}
	return ids
}

// lookup resolves an id to its entry. A table with exactly one entry
// matches any id: single-report devices do not prefix frames with an id
// byte, so the leading byte is payload, not an id.
func (t *SizeTable) lookup(id uint8) (SizeEntry, bool) {
	if len(t.entries) == 1 {
		return t.entries[0], true
	}
	for _, e := range t.entries {
		if e.ID == id {
			return e, true
		}
	}
	return SizeEntry{}, false
}

// Bytes returns the byte size of the given report in the given direction,
// or 0 if the id is unknown.
func (t *SizeTable) Bytes(dir Direction, id uint8) int {
	e, ok := t.lookup(id)
	if !ok {
		return 0
	}
	switch dir {
	case DirectionOutput:
		return e.OutputBytes()
	case DirectionFeature:
		return e.FeatureBytes()
	default:
		return e.InputBytes()
	}
}

// InputBytes returns the input report size in bytes for the given id,
// or 0 if the id is unknown.
func (t *SizeTable) InputBytes(id uint8) int {
	return t.Bytes(DirectionInput, id)
}

// MaxInputBytes returns the largest input report size in the table.
func (t *SizeTable) MaxInputBytes() int {
	maxSize := 0
	for _, e := range t.entries {
		if size := e.InputBytes(); size > maxSize {
			maxSize = size
		}
	}
	return maxSize
}

// AddIDPrefix widens every nonzero size field by one byte when the table
// was built from explicit report ids. Frames of id-multiplexed devices
// always carry one extra leading id byte on the wire.
func (t *SizeTable) AddIDPrefix() {
	if !t.withIDs {
		return
	}
	for i := range t.entries {
		if t.entries[i].InputBits > 0 {
			t.entries[i].InputBits += 8
		}
		if t.entries[i].OutputBits > 0 {
			t.entries[i].OutputBits += 8
		}
		if t.entries[i].FeatureBits > 0 {
			t.entries[i].FeatureBits += 8
		}
	}
}

// BootPointerTable returns the fixed table of a device operating in the
// legacy boot mouse mode: a single 3-byte input report with no id prefix.
func BootPointerTable() *SizeTable {
	return &SizeTable{
		entries: []SizeEntry{{ID: 0, InputBits: 24}},
	}
}

func (t *SizeTable) slot(id uint8) (*SizeEntry, error) {
	for i := range t.entries {
		if t.entries[i].ID == id {
			return &t.entries[i], nil
		}
	}
	if len(t.entries) == MaxReports {
		return nil, ErrTableFull
	}
	t.entries = append(t.entries, SizeEntry{ID: id})
	return &t.entries[len(t.entries)-1], nil
}
