package eip

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncapRoundTrip(t *testing.T) {
	frame := Encap{
		Command:       CmdSendRRData,
		SessionHandle: 0x11223344,
		SenderContext: 0xDEADBEEF01020304,
		Data:          []byte{0x01, 0x02, 0x03},
	}

	raw := frame.Bytes()
	if len(raw) != HeaderSize+3 {
		t.Fatalf("frame length = %d", len(raw))
	}
	if binary.LittleEndian.Uint16(raw[2:4]) != 3 {
		t.Errorf("length field = %d", binary.LittleEndian.Uint16(raw[2:4]))
	}

	parsed, err := ReadEncap(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadEncap: %v", err)
	}
	if parsed.Command != frame.Command ||
		parsed.SessionHandle != frame.SessionHandle ||
		parsed.SenderContext != frame.SenderContext {
		t.Errorf("parsed = %+v", parsed)
	}
	if !bytes.Equal(parsed.Data, frame.Data) {
		t.Errorf("data = % X", parsed.Data)
	}
}

func TestReadEncapTruncated(t *testing.T) {
	frame := Encap{Command: CmdRegisterSession, Data: RegisterSessionData()}
	raw := frame.Bytes()

	if _, err := ReadEncap(bytes.NewReader(raw[:20])); err == nil {
		t.Error("expected error for truncated header")
	}
	if _, err := ReadEncap(bytes.NewReader(raw[:26])); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestCommandDataRoundTrip(t *testing.T) {
	cd := CommandData{Packet: []byte{0xAA, 0xBB}}
	parsed, err := ParseCommandData(cd.Bytes())
	if err != nil {
		t.Fatalf("ParseCommandData: %v", err)
	}
	if !bytes.Equal(parsed.Packet, cd.Packet) {
		t.Errorf("packet = % X", parsed.Packet)
	}
}

func TestCommonPacketRoundTrip(t *testing.T) {
	packet := UnconnectedPacket([]byte{0x4C, 0x02})
	parsed, err := ParseCommonPacket(packet.Bytes())
	if err != nil {
		t.Fatalf("ParseCommonPacket: %v", err)
	}
	if len(parsed.Items) != 2 {
		t.Fatalf("item count = %d", len(parsed.Items))
	}
	if parsed.Items[0].TypeId != CpfAddressNullId {
		t.Errorf("address item type = 0x%04X", parsed.Items[0].TypeId)
	}
	if parsed.Items[1].TypeId != CpfUnconnectedMessageId {
		t.Errorf("data item type = 0x%04X", parsed.Items[1].TypeId)
	}

	data, err := parsed.DataItem()
	if err != nil {
		t.Fatalf("DataItem: %v", err)
	}
	if !bytes.Equal(data, []byte{0x4C, 0x02}) {
		t.Errorf("data = % X", data)
	}
}

func TestConnectedPacket(t *testing.T) {
	packet := ConnectedPacket(0xAABBCCDD, []byte{0x01, 0x00, 0x4C})
	parsed, err := ParseCommonPacket(packet.Bytes())
	if err != nil {
		t.Fatalf("ParseCommonPacket: %v", err)
	}
	if parsed.Items[0].TypeId != CpfAddressConnectionId {
		t.Errorf("address item type = 0x%04X", parsed.Items[0].TypeId)
	}
	if binary.LittleEndian.Uint32(parsed.Items[0].Data) != 0xAABBCCDD {
		t.Errorf("connection id = % X", parsed.Items[0].Data)
	}
	if parsed.Items[1].TypeId != CpfConnectedTransportPacketId {
		t.Errorf("data item type = 0x%04X", parsed.Items[1].TypeId)
	}
}

func TestParseCommonPacketTruncated(t *testing.T) {
	packet := UnconnectedPacket([]byte{0x4C, 0x02}).Bytes()
	if _, err := ParseCommonPacket(packet[:len(packet)-1]); err == nil {
		t.Error("expected error for truncated packet")
	}
}

func TestParseListIdentity(t *testing.T) {
	// One identity item: version 1, sockaddr, vendor 0x0001, type 0x000E,
	// product 0x0065, rev 20.11, status, serial, name "1756-L61".
	name := "1756-L61"
	item := make([]byte, 0, 64)
	item = binary.LittleEndian.AppendUint16(item, 1) // encapsulation version
	sock := make([]byte, 16)
	binary.BigEndian.PutUint16(sock[2:4], 44818)
	sock[4], sock[5], sock[6], sock[7] = 10, 0, 0, 1
	item = append(item, sock...)
	item = binary.LittleEndian.AppendUint16(item, 0x0001) // vendor
	item = binary.LittleEndian.AppendUint16(item, 0x000E) // device type
	item = binary.LittleEndian.AppendUint16(item, 0x0065) // product code
	item = append(item, 20, 11)                           // revision
	item = binary.LittleEndian.AppendUint16(item, 0x0030) // status
	item = binary.LittleEndian.AppendUint32(item, 0xCAFE) // serial
	item = append(item, byte(len(name)))
	item = append(item, name...)
	item = append(item, 0x03) // state

	payload := binary.LittleEndian.AppendUint16(nil, 1)
	payload = binary.LittleEndian.AppendUint16(payload, CpfTypeListIdentityResponseId)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(item)))
	payload = append(payload, item...)

	idents, err := ParseListIdentity(payload)
	if err != nil {
		t.Fatalf("ParseListIdentity: %v", err)
	}
	if len(idents) != 1 {
		t.Fatalf("got %d identities", len(idents))
	}

	id := idents[0]
	if id.VendorID != 0x0001 || id.ProductName != name || id.SerialNumber != 0xCAFE {
		t.Errorf("identity = %+v", id)
	}
	if id.Revision() != "20.11" {
		t.Errorf("revision = %s", id.Revision())
	}
	if id.IP.String() != "10.0.0.1" || id.Port != 44818 {
		t.Errorf("address = %s:%d", id.IP, id.Port)
	}
}
