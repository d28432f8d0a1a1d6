package eip

// Common Packet Format for EIP per ODVA v1.4.

import (
	"encoding/binary"
	"fmt"
)

const (
	CpfAddressNullId              uint16 = 0x00
	CpfTypeListIdentityResponseId uint16 = 0x0C
	CpfAddressConnectionId        uint16 = 0xA1
	CpfConnectedTransportPacketId uint16 = 0xB1
	CpfUnconnectedMessageId       uint16 = 0xB2
	CpfSockAddrInfoOtoTId         uint16 = 0x8000
	CpfSockAddrInfoTtoOId         uint16 = 0x8001
	CpfSequencedAddressId         uint16 = 0x8002
)

// CommonPacket is a wrapper for a list of address and data items.
type CommonPacket struct {
	Items []CommonPacketItem
}

// CommonPacketItem is the shared format used for address and data items.
type CommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

// Bytes renders the item list with its leading count word.
func (p *CommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for _, item := range p.Items {
		raw = append(raw, item.Bytes()...)
	}
	return raw
}

// Bytes renders one item, filling Length from the data.
func (item *CommonPacketItem) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, item.TypeId)
	raw = binary.LittleEndian.AppendUint16(raw, uint16(len(item.Data)))
	raw = append(raw, item.Data...)
	return raw
}

// ParseCommonPacket parses the item list from a raw byte stream.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseCommonPacket: raw bytes too short: minimum 2, got %d", len(raw))
	}

	itemCount := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	if itemCount > 0 && len(raw) == 0 {
		return nil, fmt.Errorf("ParseCommonPacket: item count is nonzero but no bytes remain")
	}

	var items []CommonPacketItem
	for i := uint16(0); i < itemCount; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}

		typeId := binary.LittleEndian.Uint16(raw[:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := int(4 + length)
		if len(raw) < need {
			return nil, fmt.Errorf("ParseCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, need, len(raw))
		}

		items = append(items, CommonPacketItem{TypeId: typeId, Length: length, Data: raw[4 : 4+length]})
		raw = raw[4+length:]
	}

	return &CommonPacket{Items: items}, nil
}

// UnconnectedPacket wraps a CIP request in a null address item plus an
// unconnected data item.
func UnconnectedPacket(cipRequest []byte) *CommonPacket {
	return &CommonPacket{
		Items: []CommonPacketItem{
			{TypeId: CpfAddressNullId},
			{TypeId: CpfUnconnectedMessageId, Length: uint16(len(cipRequest)), Data: cipRequest},
		},
	}
}

// ConnectedPacket wraps connected transport data in a connection-address
// item carrying the O->T connection ID.
func ConnectedPacket(connID uint32, data []byte) *CommonPacket {
	return &CommonPacket{
		Items: []CommonPacketItem{
			{
				TypeId: CpfAddressConnectionId,
				Length: 4,
				Data:   binary.LittleEndian.AppendUint32(nil, connID),
			},
			{TypeId: CpfConnectedTransportPacketId, Length: uint16(len(data)), Data: data},
		},
	}
}

// DataItem returns the payload of the first data item in the packet
// (unconnected 0xB2 or connected 0xB1), or an error when absent.
func (p *CommonPacket) DataItem() ([]byte, error) {
	for _, item := range p.Items {
		if item.TypeId == CpfUnconnectedMessageId || item.TypeId == CpfConnectedTransportPacketId {
			return item.Data, nil
		}
	}
	return nil, fmt.Errorf("DataItem: no data item in packet of %d items", len(p.Items))
}
