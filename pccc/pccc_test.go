package pccc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"taglink/cip"
	"taglink/status"
)

func TestBuildTypedReadRequest(t *testing.T) {
	addr, err := ParseAddress("N7:0")
	if err != nil {
		t.Fatal(err)
	}

	req, err := BuildTypedReadRequest(addr, 0x1234, 4)
	if err != nil {
		t.Fatalf("BuildTypedReadRequest: %v", err)
	}

	// CIP wrapper: Execute PCCC to class 0x67 instance 1.
	if req[0] != cip.SvcExecutePCCC {
		t.Errorf("service = 0x%02X, want 0x4B", req[0])
	}
	if !bytes.Equal(req[1:6], []byte{0x02, 0x20, 0x67, 0x24, 0x01}) {
		t.Errorf("path = % X", req[1:6])
	}

	// Requestor ID: size, vendor, serial.
	id := req[6:13]
	if id[0] != 7 {
		t.Errorf("request id size = %d", id[0])
	}
	if binary.LittleEndian.Uint16(id[1:3]) != cip.VendorID {
		t.Errorf("vendor = % X", id[1:3])
	}

	// PCCC command: CMD, STS, TNS, FNC, size, address.
	cmd := req[13:]
	if cmd[0] != CmdTyped || cmd[1] != 0x00 {
		t.Errorf("cmd/sts = % X", cmd[:2])
	}
	if binary.LittleEndian.Uint16(cmd[2:4]) != 0x1234 {
		t.Errorf("tns = % X", cmd[2:4])
	}
	if cmd[4] != FuncTypedRead {
		t.Errorf("fnc = 0x%02X", cmd[4])
	}
	if cmd[5] != 4 {
		t.Errorf("transfer size = %d", cmd[5])
	}
	if !bytes.Equal(cmd[6:], addr.Encode()) {
		t.Errorf("address = % X", cmd[6:])
	}
}

func TestBuildTypedReadRequestTooLarge(t *testing.T) {
	addr, _ := ParseAddress("N7:0")
	if _, err := BuildTypedReadRequest(addr, 1, 300); err == nil {
		t.Error("expected error for oversize transfer")
	}
	if _, err := BuildTypedReadRequest(addr, 1, 0); err == nil {
		t.Error("expected error for zero transfer")
	}
}

func TestBuildTypedWriteRequest(t *testing.T) {
	addr, _ := ParseAddress("N7:2")
	data := []byte{0x34, 0x12}

	req, err := BuildTypedWriteRequest(addr, 0x0001, data)
	if err != nil {
		t.Fatalf("BuildTypedWriteRequest: %v", err)
	}

	cmd := req[13:]
	if cmd[4] != FuncTypedWrite {
		t.Errorf("fnc = 0x%02X", cmd[4])
	}
	if !bytes.Equal(cmd[len(cmd)-2:], data) {
		t.Errorf("data tail = % X", cmd[len(cmd)-2:])
	}
}

func TestBuildBitWriteRequest(t *testing.T) {
	addr, _ := ParseAddress("B3:0/5")
	req, err := BuildBitWriteRequest(addr, 0x0002, 1<<5, 0)
	if err != nil {
		t.Fatalf("BuildBitWriteRequest: %v", err)
	}

	cmd := req[13:]
	if cmd[4] != FuncBitWrite {
		t.Errorf("fnc = 0x%02X", cmd[4])
	}
	// Set mask then reset mask trail the address.
	masks := cmd[len(cmd)-4:]
	if binary.LittleEndian.Uint16(masks[0:2]) != 1<<5 {
		t.Errorf("set mask = % X", masks[0:2])
	}
	if binary.LittleEndian.Uint16(masks[2:4]) != 0 {
		t.Errorf("reset mask = % X", masks[2:4])
	}
}

func TestParseExecuteResponse(t *testing.T) {
	// Requestor ID echo, CMD reply, STS 0, TNS, data.
	raw := []byte{
		7, 0x37, 0x13, 0x2A, 0x00, 0x00, 0x00, // requestor id
		0x4F, 0x00, // cmd reply, sts
		0x34, 0x12, // tns
		0xAA, 0xBB, // data
	}

	resp, err := ParseExecuteResponse(raw)
	if err != nil {
		t.Fatalf("ParseExecuteResponse: %v", err)
	}
	if resp.Sts != 0 || resp.Tns != 0x1234 {
		t.Errorf("sts/tns = 0x%02X/0x%04X", resp.Sts, resp.Tns)
	}
	if !bytes.Equal(resp.Data, []byte{0xAA, 0xBB}) {
		t.Errorf("data = % X", resp.Data)
	}
	if resp.Status() != status.OK {
		t.Errorf("status = %v", resp.Status())
	}
}

func TestParseExecuteResponseExtStatus(t *testing.T) {
	raw := []byte{
		7, 0x37, 0x13, 0x2A, 0x00, 0x00, 0x00,
		0x4F, 0xF0, // sts 0xF0: extended status follows
		0x01, 0x00, // tns
		0x04, // ext sts: symbol not found
	}

	resp, err := ParseExecuteResponse(raw)
	if err != nil {
		t.Fatalf("ParseExecuteResponse: %v", err)
	}
	if resp.ExtSts != 0x04 {
		t.Errorf("ext sts = 0x%02X", resp.ExtSts)
	}
	if resp.Status() != status.ErrNotFound {
		t.Errorf("status = %v, want ErrNotFound", resp.Status())
	}
}

func TestParseExecuteResponseTruncated(t *testing.T) {
	if _, err := ParseExecuteResponse([]byte{7, 0x37}); err == nil {
		t.Error("expected error for truncated response")
	}
	if _, err := ParseExecuteResponse(nil); err == nil {
		t.Error("expected error for empty response")
	}
}
