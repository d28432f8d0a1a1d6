package taglink

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"taglink/status"
)

func TestReadDINT(t *testing.T) {
	plc := newFakePLC(t)

	id, err := Create(plc.attrsFor("elem_type=DINT&elem_count=1&name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	if st := Read(id, 5*time.Second); st != status.OK {
		t.Fatalf("Read: %v", st)
	}

	v, st := GetInt32(id, 0)
	if st != status.OK {
		t.Fatalf("GetInt32: %v", st)
	}
	if v != 0x12345678 {
		t.Errorf("value = 0x%08X, want 0x12345678", v)
	}

	if st := GetStatus(id); st != status.OK {
		t.Errorf("GetStatus = %v", st)
	}
}

func TestFirstReadTypeCapture(t *testing.T) {
	plc := newFakePLC(t)

	// No elem_type: the tag learns its shape from the first read.
	id, err := Create(plc.attrsFor("name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	size, st := GetSize(id)
	if st != status.OK || size != 4 {
		t.Fatalf("GetSize = %d, %v", size, st)
	}
	if n := GetIntAttribute(id, "raw_tag_type_bytes.length", 0); n != 2 {
		t.Errorf("type info length = %d, want 2", n)
	}
	if n := GetIntAttribute(id, "elem_size", 0); n != 4 {
		t.Errorf("elem_size = %d, want 4", n)
	}
}

func TestWriteDINT(t *testing.T) {
	plc := newFakePLC(t)

	id, err := Create(plc.attrsFor("elem_type=DINT&elem_count=1&name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	if st := SetInt32(id, 0, 42); st != status.OK {
		t.Fatalf("SetInt32: %v", st)
	}
	if st := Write(id, 5*time.Second); st != status.OK {
		t.Fatalf("Write: %v", st)
	}

	raw := plc.lastWrite()
	if raw == nil {
		t.Fatal("no write reached the target")
	}

	// [0x4D][path words][path][C4 00][01 00][data]
	if raw[0] != 0x4D {
		t.Errorf("service = 0x%02X", raw[0])
	}
	body := raw[2+int(raw[1])*2:]
	if binary.LittleEndian.Uint16(body[0:2]) != 0x00C4 {
		t.Errorf("type info = % X", body[0:2])
	}
	if binary.LittleEndian.Uint16(body[2:4]) != 1 {
		t.Errorf("count = % X", body[2:4])
	}
	if binary.LittleEndian.Uint32(body[4:8]) != 42 {
		t.Errorf("data = % X", body[4:8])
	}
}

func TestBitReadModifyWrite(t *testing.T) {
	plc := newFakePLC(t)
	plc.setReadData([]byte{0xC4, 0x00}, []byte{0x00, 0x00, 0x00, 0x00})

	id, err := Create(plc.attrsFor("name=Flags.3&elem_type=BOOL"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	if n := GetIntAttribute(id, "bit_num", -1); n != 3 {
		t.Fatalf("bit_num = %d", n)
	}

	if st := SetBit(id, 0, 1); st != status.OK {
		t.Fatalf("SetBit: %v", st)
	}
	if st := Write(id, 5*time.Second); st != status.OK {
		t.Fatalf("Write: %v", st)
	}

	or, and := plc.masks()
	if len(or) != 4 || len(and) != 4 {
		t.Fatalf("mask sizes = %d/%d", len(or), len(and))
	}
	if or[0] != 0x08 || or[1] != 0 || or[2] != 0 || or[3] != 0 {
		t.Errorf("OR mask = % X", or)
	}
	if and[0] != 0xFF || and[1] != 0xFF || and[2] != 0xFF || and[3] != 0xFF {
		t.Errorf("AND mask = % X", and)
	}
}

func TestFragmentedRead(t *testing.T) {
	plc := newFakePLC(t)
	full := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	plc.setReadData([]byte{0xC4, 0x00}, full)
	plc.setFragAt(4)

	id, err := Create(plc.attrsFor("elem_type=DINT&elem_count=2&name=Pair"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	if st := Read(id, 5*time.Second); st != status.OK {
		t.Fatalf("Read: %v", st)
	}

	v0, _ := GetInt32(id, 0)
	v1, _ := GetInt32(id, 4)
	if v0 != 1 || v1 != 2 {
		t.Errorf("values = %d, %d", v0, v1)
	}

	plc.mu.Lock()
	frags := append([]uint32{}, plc.fragReqs...)
	plc.mu.Unlock()
	if len(frags) != 1 || frags[0] != 4 {
		t.Errorf("fragmented continuations = %v, want [4]", frags)
	}
}

func TestBusyRejection(t *testing.T) {
	plc := newFakePLC(t)
	plc.setDelay(300 * time.Millisecond)

	id, err := Create(plc.attrsFor("elem_type=DINT&name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	first := Read(id, 0)
	if first != status.Pending {
		t.Fatalf("first Read = %v, want Pending", first)
	}
	if st := Read(id, 0); st != status.ErrBusy {
		t.Fatalf("second Read = %v, want ErrBusy", st)
	}

	// Let the first read finish.
	deadline := time.Now().Add(3 * time.Second)
	for GetStatus(id) == status.Pending {
		if time.Now().After(deadline) {
			t.Fatal("read never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st := GetStatus(id); st != status.OK {
		t.Errorf("final status = %v", st)
	}
}

func TestReadTimeoutAborts(t *testing.T) {
	plc := newFakePLC(t)
	plc.setSilent(true)

	id, err := Create(plc.attrsFor("elem_type=DINT&name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	if st := Read(id, 200*time.Millisecond); st != status.ErrTimeout {
		t.Fatalf("Read = %v, want ErrTimeout", st)
	}
	if st := GetStatus(id); st != status.ErrAbort {
		t.Errorf("GetStatus after timeout = %v, want ErrAbort", st)
	}
}

func TestCallbackEventOrder(t *testing.T) {
	plc := newFakePLC(t)

	var mu sync.Mutex
	var events []Event
	var statuses []status.Status

	cb := func(id int32, ev Event, st status.Status, userdata any) {
		mu.Lock()
		events = append(events, ev)
		statuses = append(statuses, st)
		mu.Unlock()
	}

	id, err := CreateEx(plc.attrsFor("elem_type=DINT&name=Counter"), cb, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("CreateEx: %v", err)
	}

	if st := Read(id, 5*time.Second); st != status.OK {
		t.Fatalf("Read: %v", st)
	}
	Destroy(id)

	mu.Lock()
	defer mu.Unlock()

	if len(events) < 4 {
		t.Fatalf("events = %v", events)
	}
	if events[0] != EventCreated {
		t.Errorf("first event = %v, want CREATED", events[0])
	}
	if events[len(events)-1] != EventDestroyed {
		t.Errorf("last event = %v, want DESTROYED", events[len(events)-1])
	}

	started, completed := -1, -1
	for i, ev := range events {
		if ev == EventReadStarted && started < 0 {
			started = i
		}
		if ev == EventReadCompleted && completed < 0 {
			completed = i
		}
	}
	if started < 0 || completed < 0 || started > completed {
		t.Errorf("read events out of order: %v", events)
	}
	if statuses[completed] != status.OK {
		t.Errorf("READ_COMPLETED status = %v", statuses[completed])
	}
}

func TestDuplicateCallback(t *testing.T) {
	plc := newFakePLC(t)

	cb := func(int32, Event, status.Status, any) {}
	id, err := CreateEx(plc.attrsFor("elem_type=DINT&name=Counter"), cb, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("CreateEx: %v", err)
	}
	defer Destroy(id)

	if st := RegisterCallback(id, cb); st != status.ErrDuplicate {
		t.Errorf("second RegisterCallback = %v, want ErrDuplicate", st)
	}

	if st := UnregisterCallback(id); st != status.OK {
		t.Errorf("UnregisterCallback = %v", st)
	}
	if st := RegisterCallback(id, cb); st != status.OK {
		t.Errorf("RegisterCallback after unregister = %v", st)
	}
}

func TestCreateBadParams(t *testing.T) {
	bad := []string{
		"protocol=modbus_tcp&gateway=127.0.0.1&name=x",
		"protocol=ab_eip&name=x",                               // missing gateway
		"protocol=ab_eip&gateway=127.0.0.1",                    // missing name
		"protocol=ab_eip&gateway=127.0.0.1&name=x&elem_count=0",
		"protocol=ab_eip&gateway=127.0.0.1&name=x&elem_size=0",
		"protocol=ab_eip&gateway=127.0.0.1&name=x&plc=s7",
		"protocol=ab_eip&gateway=127.0.0.1&name=x&connection_group_id=40000",
		"protocol=ab_eip&gateway=127.0.0.1&name=x&auto_sync_read_ms=-5",
	}

	for _, attribs := range bad {
		if _, err := Create(attribs, 0); err != status.ErrBadParam {
			t.Errorf("Create(%q) = %v, want ErrBadParam", attribs, err)
		}
	}
}

func TestAutoSyncRead(t *testing.T) {
	plc := newFakePLC(t)

	var mu sync.Mutex
	completed := 0
	cb := func(id int32, ev Event, st status.Status, userdata any) {
		if ev == EventReadCompleted && st == status.OK {
			mu.Lock()
			completed++
			mu.Unlock()
		}
	}

	id, err := CreateEx(plc.attrsFor("elem_type=DINT&name=Counter&auto_sync_read_ms=50"), cb, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("CreateEx: %v", err)
	}
	defer Destroy(id)

	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	n := completed
	mu.Unlock()

	if n < 4 {
		t.Errorf("auto-sync completions in 600ms = %d, want >= 4", n)
	}
}

func TestLockUnlock(t *testing.T) {
	plc := newFakePLC(t)

	id, err := Create(plc.attrsFor("elem_type=DINT&name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Destroy(id)

	if st := Lock(id); st != status.OK {
		t.Fatalf("Lock: %v", st)
	}
	done := make(chan struct{})
	go func() {
		Lock(id)
		Unlock(id)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	Unlock(id)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after Unlock")
	}
}

func TestDestroyThenLookup(t *testing.T) {
	plc := newFakePLC(t)

	id, err := Create(plc.attrsFor("elem_type=DINT&name=Counter"), 2*time.Second)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if st := Destroy(id); st != status.OK {
		t.Fatalf("Destroy: %v", st)
	}
	if st := GetStatus(id); st != status.ErrNotFound {
		t.Errorf("GetStatus after destroy = %v, want ErrNotFound", st)
	}
	if st := Destroy(id); st != status.ErrNotFound {
		t.Errorf("second Destroy = %v, want ErrNotFound", st)
	}
}

func TestCheckLibVersion(t *testing.T) {
	if st := CheckLibVersion(VersionMajor, VersionMinor, VersionPatch); st != status.OK {
		t.Errorf("current version = %v", st)
	}
	if st := CheckLibVersion(VersionMajor+1, 0, 0); st != status.ErrUnsupported {
		t.Errorf("newer major = %v, want ErrUnsupported", st)
	}
	if st := CheckLibVersion(VersionMajor, VersionMinor+1, 0); st != status.ErrUnsupported {
		t.Errorf("newer minor = %v, want ErrUnsupported", st)
	}
}
