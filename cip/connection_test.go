package cip

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildForwardOpenRequestSmall(t *testing.T) {
	connPath := ConnectionPath([]byte{0x01, 0x00})
	req, serial := BuildForwardOpenRequest(connPath, ConnectionSizeSmall)

	if req[0] != SvcForwardOpen {
		t.Errorf("service = 0x%02X, want 0x54", req[0])
	}
	if serial == 0 {
		t.Error("connection serial is zero")
	}

	// Path to the Connection Manager.
	if !bytes.Equal(req[1:6], []byte{0x02, 0x20, 0x06, 0x24, 0x01}) {
		t.Errorf("CM path = % X", req[1:6])
	}

	// Connection path trails the request.
	tail := req[len(req)-len(connPath):]
	if !bytes.Equal(tail, connPath) {
		t.Errorf("connection path = % X, want % X", tail, connPath)
	}
	if req[len(req)-len(connPath)-1] != byte(len(connPath)/2) {
		t.Errorf("path words = %d", req[len(req)-len(connPath)-1])
	}
}

func TestBuildForwardOpenRequestLarge(t *testing.T) {
	connPath := ConnectionPath(nil)
	req, _ := BuildForwardOpenRequest(connPath, ConnectionSizeLarge)

	if req[0] != SvcForwardOpenLarge {
		t.Errorf("service = 0x%02X, want 0x5B", req[0])
	}
	// Large variant is 4 bytes longer than small (two 32-bit parameter
	// fields instead of 16-bit).
	small, _ := BuildForwardOpenRequest(connPath, ConnectionSizeSmall)
	if len(req) != len(small)+4 {
		t.Errorf("large/small lengths = %d/%d", len(req), len(small))
	}
}

func TestParseForwardOpenResponse(t *testing.T) {
	data := make([]byte, 26)
	binary.LittleEndian.PutUint32(data[0:4], 0x11111111)
	binary.LittleEndian.PutUint32(data[4:8], 0x22222222)
	binary.LittleEndian.PutUint16(data[8:10], 0x3333)

	fo, err := ParseForwardOpenResponse(data)
	if err != nil {
		t.Fatalf("ParseForwardOpenResponse: %v", err)
	}
	if fo.OTConnectionID != 0x11111111 || fo.TOConnectionID != 0x22222222 {
		t.Errorf("connection ids = %08X/%08X", fo.OTConnectionID, fo.TOConnectionID)
	}
	if fo.ConnectionSerial != 0x3333 {
		t.Errorf("serial = %04X", fo.ConnectionSerial)
	}

	if _, err := ParseForwardOpenResponse(data[:10]); err == nil {
		t.Error("expected error for short response")
	}
}

func TestBuildForwardCloseRequest(t *testing.T) {
	conn := &Connection{SerialNumber: 0x1234}
	connPath := ConnectionPath([]byte{0x01, 0x00})

	req, err := BuildForwardCloseRequest(conn, connPath)
	if err != nil {
		t.Fatalf("BuildForwardCloseRequest: %v", err)
	}
	if req[0] != SvcForwardClose {
		t.Errorf("service = 0x%02X, want 0x4E", req[0])
	}

	// Serial, vendor and originator serial follow the two timing bytes.
	body := req[2+4:]
	if binary.LittleEndian.Uint16(body[2:4]) != 0x1234 {
		t.Errorf("serial = % X", body[2:4])
	}
	if binary.LittleEndian.Uint16(body[4:6]) != VendorID {
		t.Errorf("vendor = % X", body[4:6])
	}

	if _, err := BuildForwardCloseRequest(nil, connPath); err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestConnectionSequence(t *testing.T) {
	c := &Connection{}
	seen := map[uint16]bool{}
	for i := 0; i < 100; i++ {
		s := c.NextSequence()
		if s == 0 {
			t.Fatal("sequence produced zero")
		}
		if seen[s] {
			t.Fatalf("sequence %d repeated within window", s)
		}
		seen[s] = true
	}
}

func TestWrapUnwrapConnected(t *testing.T) {
	payload := []byte{0x4C, 0x02, 0x91, 0x04, 'F', 'l', 'a', 'g'}
	wrapped := WrapConnected(0x0102, payload)

	seq, out, err := UnwrapConnected(wrapped)
	if err != nil {
		t.Fatalf("UnwrapConnected: %v", err)
	}
	if seq != 0x0102 {
		t.Errorf("seq = 0x%04X", seq)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("payload = % X", out)
	}

	if _, _, err := UnwrapConnected([]byte{0x01}); err == nil {
		t.Error("expected error for short data")
	}
}
