// Package eip implements the EtherNet/IP encapsulation layer: the 24-byte
// encapsulation header, the Common Packet Format item list, and the
// ListIdentity identity item. Everything on the wire is little-endian per
// ODVA. The package is a pure codec; socket ownership lives in the session.
package eip

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encapsulation commands.
const (
	CmdNOP               uint16 = 0x00
	CmdListIdentity      uint16 = 0x63
	CmdRegisterSession   uint16 = 0x65
	CmdUnRegisterSession uint16 = 0x66
	CmdSendRRData        uint16 = 0x6F
	CmdSendUnitData      uint16 = 0x70
)

// HeaderSize is the fixed encapsulation header length.
const HeaderSize = 24

// MaxPayload is the largest encapsulation payload we will accept.
const MaxPayload = 65511

// Encap is a generic EtherNet/IP encapsulation frame.
type Encap struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	SenderContext uint64
	Options       uint32
	Data          []byte
}

// Bytes renders the frame, filling Length from the payload.
func (m *Encap) Bytes() []byte {
	buf := make([]byte, 0, HeaderSize+len(m.Data))
	buf = binary.LittleEndian.AppendUint16(buf, m.Command)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m.Data)))
	buf = binary.LittleEndian.AppendUint32(buf, m.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, m.Status)
	buf = binary.LittleEndian.AppendUint64(buf, m.SenderContext)
	buf = binary.LittleEndian.AppendUint32(buf, m.Options)
	buf = append(buf, m.Data...)
	return buf
}

// ReadEncap reads one complete encapsulation frame from r.
func ReadEncap(r io.Reader) (*Encap, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("ReadEncap: reading header: %w", err)
	}

	length := binary.LittleEndian.Uint16(header[2:4])
	if length > MaxPayload {
		return nil, fmt.Errorf("ReadEncap: payload excessive: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("ReadEncap: reading payload: %w", err)
	}

	return &Encap{
		Command:       binary.LittleEndian.Uint16(header[0:2]),
		Length:        length,
		SessionHandle: binary.LittleEndian.Uint32(header[4:8]),
		Status:        binary.LittleEndian.Uint32(header[8:12]),
		SenderContext: binary.LittleEndian.Uint64(header[12:20]),
		Options:       binary.LittleEndian.Uint32(header[20:24]),
		Data:          payload,
	}, nil
}

// RegisterSessionData is the fixed payload of a RegisterSession request:
// protocol version 1, options 0.
func RegisterSessionData() []byte {
	return []byte{1, 0, 0, 0}
}

// CommandData is the interface-handle/timeout wrapper carried by
// SendRRData and SendUnitData.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Bytes renders the CommandData wrapper.
func (r *CommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	raw = append(raw, r.Packet...)
	return raw
}

// ParseCommandData splits a SendRRData/SendUnitData payload.
func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("ParseCommandData: raw bytes too short: minimum 6, got %d", len(raw))
	}

	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}
