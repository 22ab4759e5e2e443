// Package hidreport turns a device's raw input byte stream into complete,
// correctly sized report frames, using the size table extracted from the
// device's report descriptor.
package hidreport

import (
	"go.uber.org/zap"

	"github.com/hidio/hidstream/hidreport/hiddesc"
)

// Classification carries the two device traits that affect report sizing.
// It comes from the transport at bind time, not from the descriptor.
type Classification struct {
	// IsPointer is true for mice and other pointing devices.
	IsPointer bool
	// SupportsBootProtocol is true when the device implements the fixed
	// legacy boot report format.
	SupportsBootProtocol bool
}

// Normalize applies the two bind-time adjustments to a freshly parsed size
// table and returns the table to use for framing.
//
// A boot-capable pointing device is placed into the legacy 3-byte report
// mode, so its descriptor-derived sizes would mis-size every frame and are
// replaced wholesale. A pointing device without boot support keeps its
// descriptor sizes; keyboards keep theirs unconditionally.
//
// Id-multiplexed devices carry one extra leading id byte per frame, which
// the descriptor's bit counts do not include.
func Normalize(log *zap.Logger, table *hiddesc.SizeTable, class Classification) *hiddesc.SizeTable {
	if class.IsPointer {
		if class.SupportsBootProtocol {
			return hiddesc.BootPointerTable()
		}
		log.Warn("pointing device without boot protocol support, trusting descriptor sizes")
	}
	table.AddIDPrefix()
	return table
}
