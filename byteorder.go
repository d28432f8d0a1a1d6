package taglink

import "fmt"

// ByteOrder captures the byte permutation for integer and float widths
// plus the string framing rules for one tag. Tags share the family
// default descriptor until a string or byte-order attribute forces a
// private copy.
type ByteOrder struct {
	Int16Order   [2]int
	Int32Order   [4]int
	Int64Order   [8]int
	Float32Order [4]int
	Float64Order [8]int

	StrIsCounted        bool
	StrIsFixedLength    bool
	StrIsZeroTerminated bool
	StrIsByteSwapped    bool

	StrCountWordBytes     int // 0, 1, 2, 4 or 8
	StrMaxCapacity        int // 0 = unbounded
	StrTotalLength        int // fixed total size; 0 = variable
	StrPadBytes           int
	StrPadToMultipleBytes int // 1, 2 or 4
}

// Family default descriptors. These are shared; attribute overrides get a
// heap-allocated copy via clone().
var (
	logixByteOrder = &ByteOrder{
		Int16Order:   [2]int{0, 1},
		Int32Order:   [4]int{0, 1, 2, 3},
		Int64Order:   [8]int{0, 1, 2, 3, 4, 5, 6, 7},
		Float32Order: [4]int{0, 1, 2, 3},
		Float64Order: [8]int{0, 1, 2, 3, 4, 5, 6, 7},

		StrIsCounted:          true,
		StrIsFixedLength:      true,
		StrCountWordBytes:     4,
		StrMaxCapacity:        82,
		StrTotalLength:        88,
		StrPadBytes:           2,
		StrPadToMultipleBytes: 4,
	}

	plc5ByteOrder = &ByteOrder{
		Int16Order:   [2]int{0, 1},
		Int32Order:   [4]int{0, 1, 2, 3},
		Int64Order:   [8]int{0, 1, 2, 3, 4, 5, 6, 7},
		Float32Order: [4]int{0, 1, 2, 3},
		Float64Order: [8]int{0, 1, 2, 3, 4, 5, 6, 7},

		StrIsCounted:          true,
		StrIsFixedLength:      true,
		StrIsByteSwapped:      true,
		StrCountWordBytes:     2,
		StrMaxCapacity:        82,
		StrTotalLength:        84,
		StrPadToMultipleBytes: 2,
	}

	slcByteOrder = &ByteOrder{
		Int16Order:   [2]int{0, 1},
		Int32Order:   [4]int{0, 1, 2, 3},
		Int64Order:   [8]int{0, 1, 2, 3, 4, 5, 6, 7},
		Float32Order: [4]int{0, 1, 2, 3},
		Float64Order: [8]int{0, 1, 2, 3, 4, 5, 6, 7},

		StrIsCounted:          true,
		StrIsFixedLength:      true,
		StrCountWordBytes:     2,
		StrMaxCapacity:        82,
		StrTotalLength:        84,
		StrPadToMultipleBytes: 2,
	}

	omronByteOrder = &ByteOrder{
		Int16Order:   [2]int{0, 1},
		Int32Order:   [4]int{0, 1, 2, 3},
		Int64Order:   [8]int{0, 1, 2, 3, 4, 5, 6, 7},
		Float32Order: [4]int{0, 1, 2, 3},
		Float64Order: [8]int{0, 1, 2, 3, 4, 5, 6, 7},

		StrIsCounted:          true,
		StrCountWordBytes:     2,
		StrPadToMultipleBytes: 1,
	}
)

// defaultByteOrder returns the shared descriptor for a family.
func defaultByteOrder(f Family) *ByteOrder {
	switch f {
	case FamilyPLC5:
		return plc5ByteOrder
	case FamilySLC, FamilyMicroLogix:
		return slcByteOrder
	case FamilyOmron:
		return omronByteOrder
	default:
		return logixByteOrder
	}
}

// clone returns a private copy for per-tag overrides.
func (bo *ByteOrder) clone() *ByteOrder {
	out := *bo
	return &out
}

// parseOrder parses a digit-permutation attribute value such as "3210":
// the string length must equal the width and each digit 0..width-1 must
// appear exactly once.
func parseOrder(value string, width int) ([]int, error) {
	if len(value) != width {
		return nil, fmt.Errorf("byte order %q must have %d digits", value, width)
	}

	out := make([]int, width)
	seen := make([]bool, width)
	for i := 0; i < width; i++ {
		d := int(value[i] - '0')
		if d < 0 || d >= width {
			return nil, fmt.Errorf("byte order %q digit %c out of range", value, value[i])
		}
		if seen[d] {
			return nil, fmt.Errorf("byte order %q repeats digit %c", value, value[i])
		}
		seen[d] = true
		out[i] = d
	}
	return out, nil
}

// Integer and float codecs. Logical byte i (least significant first) is
// stored at buffer position order[i].

func getPermuted(buf []byte, offset int, order []int) (uint64, bool) {
	if offset < 0 || offset+len(order) > len(buf) {
		return 0, false
	}
	var v uint64
	for i, pos := range order {
		v |= uint64(buf[offset+pos]) << (8 * i)
	}
	return v, true
}

func setPermuted(buf []byte, offset int, order []int, v uint64) bool {
	if offset < 0 || offset+len(order) > len(buf) {
		return false
	}
	for i, pos := range order {
		buf[offset+pos] = byte(v >> (8 * i))
	}
	return true
}
