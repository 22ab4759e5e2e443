package hiddesc

// Short item header layout: bits [1:0] payload size code, bits [3:2] item
// type, bits [7:4] tag. Size code 3 means a 4-byte payload. Long items
// (header 0xFE) are not supported and terminate parsing like any other
// unrecognized truncated item.
const (
	itemTypeMain   = 0
	itemTypeGlobal = 1
)

const (
	mainTagInput   = 0x8
	mainTagOutput  = 0x9
	mainTagFeature = 0xB
)

const (
	globalTagReportSize  = 0x7
	globalTagReportID    = 0x8
	globalTagReportCount = 0x9
	globalTagPush        = 0xA
	globalTagPop         = 0xB
)

// parserState is the slice of descriptor global state that size
// accounting depends on. Push/Pop snapshot and restore it.
type parserState struct {
	reportSize  uint32
	reportCount uint32
	reportID    uint8
}

// itemValue decodes a little-endian item payload of 0 to 4 bytes.
func itemValue(payload []byte) uint32 {
	var v uint32
	for i, b := range payload {
		v |= uint32(b) << (8 * uint(i))
	}
	return v
}

// ParseSizeTable walks the descriptor's short items and accumulates
// input/output/feature bit counts per report id. Main items other than
// Input/Output/Feature and all Local items are irrelevant to framing and
// are skipped. An item whose payload would run past the end of the input
// is treated as a reserved item that ends the descriptor; this is a stop
// condition, not an error. ErrTableFull and ErrUnbalancedStack abort
// parsing and no partial table is returned.
func ParseSizeTable(desc []byte) (*SizeTable, error) {
	table := &SizeTable{}
	state := parserState{}
	var stack []parserState

	for i := 0; i < len(desc); {
		header := desc[i]
		i++
		size := int(header & 0x3)
		if size == 3 {
			size = 4
		}
		if i+size > len(desc) {
			break
		}
		payload := desc[i : i+size]
		i += size

		typ := (header >> 2) & 0x3
		tag := header >> 4

		switch typ {
		case itemTypeMain:
			switch tag {
			case mainTagInput, mainTagOutput, mainTagFeature:
				entry, err := table.slot(state.reportID)
				if err != nil {
					return nil, err
				}
				inc := state.reportSize * state.reportCount
				switch tag {
				case mainTagInput:
					entry.InputBits += inc
				case mainTagOutput:
					entry.OutputBits += inc
				case mainTagFeature:
					entry.FeatureBits += inc
				}
			}
		case itemTypeGlobal:
			switch tag {
			case globalTagReportSize:
				state.reportSize = itemValue(payload)
			case globalTagReportID:
				state.reportID = uint8(itemValue(payload))
				table.withIDs = true
			case globalTagReportCount:
				state.reportCount = itemValue(payload)
			case globalTagPush:
				stack = append(stack, state)
			case globalTagPop:
				if len(stack) == 0 {
					return nil, ErrUnbalancedStack
				}
				state = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		}
	}
	return table, nil
}
