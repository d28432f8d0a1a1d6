package taglink

import "testing"

func TestParseOrder(t *testing.T) {
	order, err := parseOrder("3210", 4)
	if err != nil {
		t.Fatalf("parseOrder: %v", err)
	}
	if order[0] != 3 || order[1] != 2 || order[2] != 1 || order[3] != 0 {
		t.Errorf("order = %v", order)
	}

	bad := []struct {
		value string
		width int
	}{
		{"012", 4},   // wrong length
		{"0123", 2},  // wrong length
		{"0120", 4},  // repeated digit
		{"0125", 4},  // digit out of range
		{"01ab", 4},  // not digits
	}
	for _, tc := range bad {
		if _, err := parseOrder(tc.value, tc.width); err == nil {
			t.Errorf("parseOrder(%q, %d): expected error", tc.value, tc.width)
		}
	}
}

func TestPermutedRoundTrip(t *testing.T) {
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 3, 0, 1},
	}
	values := []uint64{0, 1, 0x12345678, 0xFFFFFFFF, 0x80000000}

	for _, order := range orders {
		for _, v := range values {
			buf := make([]byte, 4)
			if !setPermuted(buf, 0, order, v) {
				t.Fatalf("setPermuted failed for order %v", order)
			}
			got, ok := getPermuted(buf, 0, order)
			if !ok || got != v {
				t.Errorf("order %v: round trip of %08X gave %08X", order, v, got)
			}
		}
	}
}

func TestPermutedBigEndian(t *testing.T) {
	buf := make([]byte, 4)
	setPermuted(buf, 0, []int{3, 2, 1, 0}, 0x11223344)
	// Logical LSB 0x44 lands at position 3.
	if buf[0] != 0x11 || buf[1] != 0x22 || buf[2] != 0x33 || buf[3] != 0x44 {
		t.Errorf("buf = % X", buf)
	}
}

func TestPermutedBounds(t *testing.T) {
	buf := make([]byte, 3)
	if _, ok := getPermuted(buf, 0, []int{0, 1, 2, 3}); ok {
		t.Error("expected bounds failure on short buffer")
	}
	if _, ok := getPermuted(buf, 2, []int{0, 1}); ok {
		t.Error("expected bounds failure on offset past end")
	}
	if _, ok := getPermuted(buf, -1, []int{0, 1}); ok {
		t.Error("expected bounds failure on negative offset")
	}
}

func TestDefaultByteOrders(t *testing.T) {
	if bo := defaultByteOrder(FamilyLogix); bo.StrCountWordBytes != 4 || bo.StrTotalLength != 88 {
		t.Errorf("logix string framing = %+v", bo)
	}
	if bo := defaultByteOrder(FamilyPLC5); !bo.StrIsByteSwapped || bo.StrTotalLength != 84 {
		t.Errorf("plc5 string framing = %+v", bo)
	}
	if bo := defaultByteOrder(FamilySLC); bo.StrIsByteSwapped {
		t.Errorf("slc strings must not be byte swapped")
	}
	if bo := defaultByteOrder(FamilyOmron); bo.StrIsFixedLength || bo.StrCountWordBytes != 2 {
		t.Errorf("omron string framing = %+v", bo)
	}
}

func TestByteOrderClone(t *testing.T) {
	orig := defaultByteOrder(FamilyLogix)
	c := orig.clone()
	c.StrMaxCapacity = 10
	if orig.StrMaxCapacity == 10 {
		t.Error("clone shares storage with the default descriptor")
	}
}
