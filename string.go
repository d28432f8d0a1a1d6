package taglink

import "taglink/status"

// String accessors. Strings live inside the tag buffer with framing
// described by the tag's byte-order policy: an optional count word,
// optional zero termination, optional PLC-5 style byte swapping, fixed
// or variable total length, and trailing pad bytes.

// stringCapacity returns the character capacity of a string at offset.
func (t *Tag) stringCapacity(offset int) int {
	bo := t.byteOrder

	if bo.StrMaxCapacity > 0 {
		return bo.StrMaxCapacity
	}
	if bo.StrTotalLength > 0 {
		capacity := bo.StrTotalLength - bo.StrCountWordBytes - bo.StrPadBytes
		if bo.StrIsZeroTerminated {
			capacity--
		}
		return capacity
	}

	// Unbounded: whatever fits in the buffer after the count word.
	capacity := len(t.data) - offset - bo.StrCountWordBytes
	if bo.StrIsZeroTerminated {
		capacity--
	}
	if capacity < 0 {
		capacity = 0
	}
	return capacity
}

// stringTotalLength returns the total space one string occupies.
func (t *Tag) stringTotalLength(offset int) int {
	bo := t.byteOrder
	if bo.StrTotalLength > 0 {
		return bo.StrTotalLength
	}

	total := bo.StrCountWordBytes + t.stringLength(offset) + bo.StrPadBytes
	if bo.StrIsZeroTerminated {
		total++
	}
	if m := bo.StrPadToMultipleBytes; m > 1 && total%m != 0 {
		total += m - total%m
	}
	return total
}

// stringLength returns the character count of the string at offset.
func (t *Tag) stringLength(offset int) int {
	bo := t.byteOrder

	if bo.StrIsCounted && bo.StrCountWordBytes > 0 {
		raw, ok := getCountWord(t.data, offset, bo.StrCountWordBytes)
		if !ok {
			return 0
		}
		return int(raw)
	}

	// Zero-terminated: scan for the terminator.
	n := 0
	for i := offset; i < len(t.data) && t.data[i] != 0; i++ {
		n++
	}
	return n
}

func getCountWord(buf []byte, offset, width int) (uint64, bool) {
	if offset < 0 || offset+width > len(buf) {
		return 0, false
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(buf[offset+i]) << (8 * i)
	}
	return v, true
}

func setCountWord(buf []byte, offset, width int, v uint64) bool {
	if offset < 0 || offset+width > len(buf) {
		return false
	}
	for i := 0; i < width; i++ {
		buf[offset+i] = byte(v >> (8 * i))
	}
	return true
}

// GetStringLength returns the character count of the string at offset.
func GetStringLength(id int32, offset int) (int, status.Status) {
	var n int
	st := withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset >= len(t.data) {
			return status.ErrOutOfBounds
		}
		n = t.stringLength(offset)
		return status.OK
	})
	return n, st
}

// GetStringCapacity returns the character capacity of the string at
// offset.
func GetStringCapacity(id int32, offset int) (int, status.Status) {
	var n int
	st := withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset > len(t.data) {
			return status.ErrOutOfBounds
		}
		n = t.stringCapacity(offset)
		return status.OK
	})
	return n, st
}

// GetStringTotalLength returns the total buffer space the string at
// offset occupies, including count word, termination and padding.
func GetStringTotalLength(id int32, offset int) (int, status.Status) {
	var n int
	st := withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset > len(t.data) {
			return status.ErrOutOfBounds
		}
		n = t.stringTotalLength(offset)
		return status.OK
	})
	return n, st
}

// GetString reads the string at offset per the tag's framing rules.
func GetString(id int32, offset int) (string, status.Status) {
	var out string
	st := withTag(id, func(t *Tag) status.Status {
		bo := t.byteOrder
		if offset < 0 || offset >= len(t.data) {
			return status.ErrOutOfBounds
		}

		dataStart := offset
		n := 0
		if bo.StrIsCounted && bo.StrCountWordBytes > 0 {
			raw, ok := getCountWord(t.data, offset, bo.StrCountWordBytes)
			if !ok {
				return status.ErrOutOfBounds
			}
			n = int(raw)
			dataStart += bo.StrCountWordBytes
		} else {
			n = t.stringLength(offset)
		}

		if capacity := t.stringCapacity(offset); n > capacity {
			n = capacity
		}
		if dataStart+n > len(t.data) {
			return status.ErrOutOfBounds
		}

		chars := make([]byte, n)
		copy(chars, t.data[dataStart:dataStart+n])

		if bo.StrIsByteSwapped {
			swapPairs(chars, t.data[dataStart:], n)
		}

		if bo.StrIsZeroTerminated {
			for i, c := range chars {
				if c == 0 {
					chars = chars[:i]
					break
				}
			}
		}

		out = string(chars)
		return status.OK
	})
	return out, st
}

// swapPairs reads n bytes from src with 16-bit byte swapping into dst.
func swapPairs(dst, src []byte, n int) {
	for i := 0; i < n; i++ {
		j := i ^ 1
		if j < len(src) {
			dst[i] = src[j]
		} else {
			dst[i] = 0
		}
	}
}

// SetString writes the string at offset per the tag's framing rules.
// Variable-length strings may grow the buffer when the tag allows field
// resizing.
func SetString(id int32, offset int, val string) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		bo := t.byteOrder
		if offset < 0 || offset > len(t.data) {
			return status.ErrOutOfBounds
		}

		if capacity := t.stringCapacity(offset); len(val) > capacity && bo.StrIsFixedLength {
			return status.ErrTooLarge
		}

		// Total space this value needs.
		need := bo.StrCountWordBytes + len(val) + bo.StrPadBytes
		if bo.StrIsZeroTerminated {
			need++
		}
		if m := bo.StrPadToMultipleBytes; m > 1 && need%m != 0 {
			need += m - need%m
		}
		if bo.StrTotalLength > 0 {
			need = bo.StrTotalLength
		}

		if offset+need > len(t.data) {
			if !t.allowResize || bo.StrIsFixedLength {
				return status.ErrTooLarge
			}
			grown := make([]byte, offset+need)
			copy(grown, t.data)
			t.data = grown
		}

		// Clear the whole field, then fill.
		for i := offset; i < offset+need && i < len(t.data); i++ {
			t.data[i] = 0
		}

		if bo.StrIsCounted && bo.StrCountWordBytes > 0 {
			if !setCountWord(t.data, offset, bo.StrCountWordBytes, uint64(len(val))) {
				return status.ErrOutOfBounds
			}
		}

		dataStart := offset + bo.StrCountWordBytes
		if bo.StrIsByteSwapped {
			for i := 0; i < len(val); i++ {
				if j := dataStart + (i ^ 1); j < len(t.data) {
					t.data[j] = val[i]
				}
			}
		} else {
			copy(t.data[dataStart:], val)
		}

		t.markDirty()
		return status.OK
	})
}
