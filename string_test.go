package taglink

import (
	"testing"

	"taglink/status"
)

// registerStringTag builds a registered tag with the given byte order and
// buffer size, bypassing the session layer.
func registerStringTag(t *testing.T, bo *ByteOrder, size int) int32 {
	t.Helper()

	tag := newBareTag("str")
	tag.byteOrder = bo
	tag.data = make([]byte, size)
	tag.elemSize = size
	tag.elemCount = 1

	id, st := registry.register(tag)
	if st.IsError() {
		t.Fatalf("register: %v", st)
	}
	t.Cleanup(func() { registry.remove(id) })
	return id
}

func TestLogixStringRoundTrip(t *testing.T) {
	id := registerStringTag(t, defaultByteOrder(FamilyLogix), 88)

	if st := SetString(id, 0, "Hello, PLC"); st != status.OK {
		t.Fatalf("SetString: %v", st)
	}

	// Count word is 4 bytes on Logix.
	n, st := GetStringLength(id, 0)
	if st != status.OK || n != 10 {
		t.Fatalf("GetStringLength = %d, %v", n, st)
	}

	out, st := GetString(id, 0)
	if st != status.OK {
		t.Fatalf("GetString: %v", st)
	}
	if out != "Hello, PLC" {
		t.Errorf("GetString = %q", out)
	}

	capacity, _ := GetStringCapacity(id, 0)
	if capacity != 82 {
		t.Errorf("capacity = %d", capacity)
	}
	total, _ := GetStringTotalLength(id, 0)
	if total != 88 {
		t.Errorf("total = %d", total)
	}
}

func TestLogixStringTooLarge(t *testing.T) {
	id := registerStringTag(t, defaultByteOrder(FamilyLogix), 88)

	long := make([]byte, 83)
	for i := range long {
		long[i] = 'x'
	}
	if st := SetString(id, 0, string(long)); st != status.ErrTooLarge {
		t.Errorf("SetString oversize = %v, want ErrTooLarge", st)
	}
}

func TestByteSwappedStringRoundTrip(t *testing.T) {
	id := registerStringTag(t, defaultByteOrder(FamilyPLC5), 84)

	// Odd length exercises the swap of the trailing pair.
	if st := SetString(id, 0, "PUMP1"); st != status.OK {
		t.Fatalf("SetString: %v", st)
	}

	// Wire layout swaps each character pair: "PU" -> "UP", "MP" -> "PM",
	// "1\0" -> "\0 1".
	raw := make([]byte, 6)
	if st := GetRaw(id, 2, raw); st != status.OK {
		t.Fatalf("GetRaw: %v", st)
	}
	expected := []byte{'U', 'P', 'P', 'M', 0, '1'}
	for i := range expected {
		if raw[i] != expected[i] {
			t.Fatalf("swapped bytes = % X, want % X", raw, expected)
		}
	}

	out, st := GetString(id, 0)
	if st != status.OK || out != "PUMP1" {
		t.Errorf("GetString = %q, %v", out, st)
	}
}

func TestVariableStringGrowth(t *testing.T) {
	bo := defaultByteOrder(FamilyOmron).clone()
	id := registerStringTag(t, bo, 4)

	// Without resize permission the write must fail.
	if st := SetString(id, 0, "too long for four"); st != status.ErrTooLarge {
		t.Fatalf("SetString = %v, want ErrTooLarge", st)
	}

	tag := registry.lookup(id)
	tag.allowResize = true

	if st := SetString(id, 0, "too long for four"); st != status.OK {
		t.Fatalf("SetString after allow_field_resize: %v", st)
	}
	out, st := GetString(id, 0)
	if st != status.OK || out != "too long for four" {
		t.Errorf("GetString = %q, %v", out, st)
	}
}

func TestBufferAccessors(t *testing.T) {
	id := registerStringTag(t, defaultByteOrder(FamilyLogix), 16)

	if st := SetInt32(id, 0, -123456); st != status.OK {
		t.Fatalf("SetInt32: %v", st)
	}
	if v, st := GetInt32(id, 0); st != status.OK || v != -123456 {
		t.Errorf("GetInt32 = %d, %v", v, st)
	}

	if st := SetFloat32(id, 4, 3.25); st != status.OK {
		t.Fatalf("SetFloat32: %v", st)
	}
	if v, st := GetFloat32(id, 4); st != status.OK || v != 3.25 {
		t.Errorf("GetFloat32 = %v, %v", v, st)
	}

	if st := SetUint64(id, 8, 0x1122334455667788); st != status.OK {
		t.Fatalf("SetUint64: %v", st)
	}
	if v, st := GetUint64(id, 8); st != status.OK || v != 0x1122334455667788 {
		t.Errorf("GetUint64 = %X, %v", v, st)
	}

	if _, st := GetInt32(id, 14); st != status.ErrOutOfBounds {
		t.Errorf("out-of-bounds read = %v", st)
	}
	if st := SetInt16(id, -1, 0); st != status.ErrOutOfBounds {
		t.Errorf("negative offset = %v", st)
	}
}

func TestBitAccessors(t *testing.T) {
	id := registerStringTag(t, defaultByteOrder(FamilyLogix), 4)

	if st := SetBit(id, 11, 1); st != status.OK {
		t.Fatalf("SetBit: %v", st)
	}
	if v, st := GetBit(id, 11); st != status.OK || v != 1 {
		t.Errorf("GetBit = %d, %v", v, st)
	}
	if v, _ := GetUint8(id, 1); v != 0x08 {
		t.Errorf("byte 1 = 0x%02X", v)
	}

	if st := SetBit(id, 11, 0); st != status.OK {
		t.Fatalf("SetBit clear: %v", st)
	}
	if v, _ := GetBit(id, 11); v != 0 {
		t.Errorf("bit still set: %d", v)
	}

	if _, st := GetBit(id, 32); st != status.ErrOutOfBounds {
		t.Errorf("out-of-range bit = %v", st)
	}
}
