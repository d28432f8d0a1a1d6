package taglink

import (
	"math"

	"taglink/logging"
	"taglink/status"
)

// Buffer accessors. All of them address the tag's data buffer at a byte
// (or bit) offset, honoring the tag's byte-order policy. Setters mark
// the tag dirty when auto-sync write is configured, which schedules the
// automatic write.

// withTag runs fn with the tag's API mutex held.
func withTag(id int32, fn func(t *Tag) status.Status) status.Status {
	t := registry.lookup(id)
	if t == nil {
		return status.ErrNotFound
	}
	t.apiMu.Lock()
	defer t.apiMu.Unlock()
	return fn(t)
}

// markDirty flags the tag for auto-sync write. Caller holds the API
// mutex.
func (t *Tag) markDirty() {
	if t.autoSyncWriteMS > 0 {
		t.dirty = true
		ticklerWake()
	}
}

// GetSize returns the data buffer size in bytes.
func GetSize(id int32) (int, status.Status) {
	var size int
	st := withTag(id, func(t *Tag) status.Status {
		size = len(t.data)
		return status.OK
	})
	return size, st
}

// SetSize resizes the data buffer in place, preserving the prefix.
// Shrinking below one byte fails.
func SetSize(id int32, newSize int) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if newSize <= 0 {
			return status.ErrBadParam
		}
		out := make([]byte, newSize)
		copy(out, t.data)
		t.data = out
		return status.OK
	})
}

// GetRaw copies buffer bytes into out.
func GetRaw(id int32, offset int, out []byte) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset+len(out) > len(t.data) {
			return status.ErrOutOfBounds
		}
		copy(out, t.data[offset:])
		return status.OK
	})
}

// SetRaw copies bytes into the buffer.
func SetRaw(id int32, offset int, in []byte) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset+len(in) > len(t.data) {
			return status.ErrOutOfBounds
		}
		copy(t.data[offset:], in)
		t.markDirty()
		return status.OK
	})
}

// GetBit reads the bit at an absolute bit offset.
func GetBit(id int32, bitOffset int) (int, status.Status) {
	var val int
	st := withTag(id, func(t *Tag) status.Status {
		if t.isBit {
			bitOffset = 0
		}
		byteIdx := bitOffset / 8
		if bitOffset < 0 || byteIdx >= len(t.data) {
			return status.ErrOutOfBounds
		}
		if t.data[byteIdx]&(1<<(bitOffset%8)) != 0 {
			val = 1
		}
		return status.OK
	})
	return val, st
}

// SetBit writes the bit at an absolute bit offset.
func SetBit(id int32, bitOffset int, val int) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if t.isBit {
			bitOffset = 0
		}
		byteIdx := bitOffset / 8
		if bitOffset < 0 || byteIdx >= len(t.data) {
			return status.ErrOutOfBounds
		}
		if val != 0 {
			t.data[byteIdx] |= 1 << (bitOffset % 8)
		} else {
			t.data[byteIdx] &^= 1 << (bitOffset % 8)
		}
		t.markDirty()
		return status.OK
	})
}

// Integer accessors.

func GetInt8(id int32, offset int) (int8, status.Status) {
	var v int8
	st := withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset >= len(t.data) {
			return status.ErrOutOfBounds
		}
		v = int8(t.data[offset])
		return status.OK
	})
	return v, st
}

func SetInt8(id int32, offset int, val int8) status.Status {
	return SetUint8(id, offset, uint8(val))
}

func GetUint8(id int32, offset int) (uint8, status.Status) {
	var v uint8
	st := withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset >= len(t.data) {
			return status.ErrOutOfBounds
		}
		v = t.data[offset]
		return status.OK
	})
	return v, st
}

func SetUint8(id int32, offset int, val uint8) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if offset < 0 || offset >= len(t.data) {
			return status.ErrOutOfBounds
		}
		t.data[offset] = val
		t.markDirty()
		return status.OK
	})
}

func GetInt16(id int32, offset int) (int16, status.Status) {
	v, st := GetUint16(id, offset)
	return int16(v), st
}

func SetInt16(id int32, offset int, val int16) status.Status {
	return SetUint16(id, offset, uint16(val))
}

func GetUint16(id int32, offset int) (uint16, status.Status) {
	var v uint16
	st := withTag(id, func(t *Tag) status.Status {
		raw, ok := getPermuted(t.data, offset, t.byteOrder.Int16Order[:])
		if !ok {
			return status.ErrOutOfBounds
		}
		v = uint16(raw)
		return status.OK
	})
	return v, st
}

func SetUint16(id int32, offset int, val uint16) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if !setPermuted(t.data, offset, t.byteOrder.Int16Order[:], uint64(val)) {
			return status.ErrOutOfBounds
		}
		t.markDirty()
		return status.OK
	})
}

func GetInt32(id int32, offset int) (int32, status.Status) {
	v, st := GetUint32(id, offset)
	return int32(v), st
}

func SetInt32(id int32, offset int, val int32) status.Status {
	return SetUint32(id, offset, uint32(val))
}

func GetUint32(id int32, offset int) (uint32, status.Status) {
	var v uint32
	st := withTag(id, func(t *Tag) status.Status {
		raw, ok := getPermuted(t.data, offset, t.byteOrder.Int32Order[:])
		if !ok {
			return status.ErrOutOfBounds
		}
		v = uint32(raw)
		return status.OK
	})
	return v, st
}

func SetUint32(id int32, offset int, val uint32) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if !setPermuted(t.data, offset, t.byteOrder.Int32Order[:], uint64(val)) {
			return status.ErrOutOfBounds
		}
		t.markDirty()
		return status.OK
	})
}

func GetInt64(id int32, offset int) (int64, status.Status) {
	v, st := GetUint64(id, offset)
	return int64(v), st
}

func SetInt64(id int32, offset int, val int64) status.Status {
	return SetUint64(id, offset, uint64(val))
}

func GetUint64(id int32, offset int) (uint64, status.Status) {
	var v uint64
	st := withTag(id, func(t *Tag) status.Status {
		raw, ok := getPermuted(t.data, offset, t.byteOrder.Int64Order[:])
		if !ok {
			return status.ErrOutOfBounds
		}
		v = raw
		return status.OK
	})
	return v, st
}

func SetUint64(id int32, offset int, val uint64) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if !setPermuted(t.data, offset, t.byteOrder.Int64Order[:], val) {
			return status.ErrOutOfBounds
		}
		t.markDirty()
		return status.OK
	})
}

// Float accessors.

func GetFloat32(id int32, offset int) (float32, status.Status) {
	var v float32
	st := withTag(id, func(t *Tag) status.Status {
		raw, ok := getPermuted(t.data, offset, t.byteOrder.Float32Order[:])
		if !ok {
			return status.ErrOutOfBounds
		}
		v = math.Float32frombits(uint32(raw))
		return status.OK
	})
	return v, st
}

func SetFloat32(id int32, offset int, val float32) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if !setPermuted(t.data, offset, t.byteOrder.Float32Order[:], uint64(math.Float32bits(val))) {
			return status.ErrOutOfBounds
		}
		t.markDirty()
		return status.OK
	})
}

func GetFloat64(id int32, offset int) (float64, status.Status) {
	var v float64
	st := withTag(id, func(t *Tag) status.Status {
		raw, ok := getPermuted(t.data, offset, t.byteOrder.Float64Order[:])
		if !ok {
			return status.ErrOutOfBounds
		}
		v = math.Float64frombits(raw)
		return status.OK
	})
	return v, st
}

func SetFloat64(id int32, offset int, val float64) status.Status {
	return withTag(id, func(t *Tag) status.Status {
		if !setPermuted(t.data, offset, t.byteOrder.Float64Order[:], math.Float64bits(val)) {
			return status.ErrOutOfBounds
		}
		t.markDirty()
		return status.OK
	})
}

// Integer attribute access.

// GetIntAttribute reads a named integer attribute, returning def when the
// attribute does not apply.
func GetIntAttribute(id int32, name string, def int) int {
	out := def
	withTag(id, func(t *Tag) status.Status {
		switch name {
		case "size":
			out = len(t.data)
		case "elem_size":
			out = t.elemSize
		case "elem_count":
			out = t.elemCount
		case "read_cache_ms":
			out = int(t.readCacheMS)
		case "auto_sync_read_ms":
			out = int(t.autoSyncReadMS)
		case "auto_sync_write_ms":
			out = int(t.autoSyncWriteMS)
		case "bit_num":
			out = t.bitNum
		case "connection_group_id":
			// The group only selects the session at create time and is
			// not kept on the tag, so this returns def, not the
			// configured value.
			out = def
		case "raw_tag_type_bytes.length":
			out = len(t.typeInfo)
		case "debug":
			out = logging.Level()
		case "version_major":
			out = VersionMajor
		case "version_minor":
			out = VersionMinor
		case "version_patch":
			out = VersionPatch
		}
		return status.OK
	})
	return out
}

// SetIntAttribute writes a named integer attribute. Only the mutable
// timing attributes and the debug level are settable.
func SetIntAttribute(id int32, name string, val int) status.Status {
	if name == "debug" {
		SetDebugLevel(val)
		return status.OK
	}

	return withTag(id, func(t *Tag) status.Status {
		if val < 0 {
			return status.ErrBadParam
		}
		switch name {
		case "read_cache_ms":
			t.readCacheMS = int64(val)
			t.readCacheExpire = 0
		case "auto_sync_read_ms":
			t.autoSyncReadMS = int64(val)
			t.nextRead = 0
			ticklerWake()
		case "auto_sync_write_ms":
			t.autoSyncWriteMS = int64(val)
			t.nextWrite = 0
		default:
			return status.ErrUnsupported
		}
		return status.OK
	})
}

// GetRawTagTypeBytes copies the encoded CIP type info captured from the
// tag's first read.
func GetRawTagTypeBytes(id int32, out []byte) (int, status.Status) {
	n := 0
	st := withTag(id, func(t *Tag) status.Status {
		n = copy(out, t.typeInfo)
		return status.OK
	})
	return n, st
}
