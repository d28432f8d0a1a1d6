package cip

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Library identity used in Forward Open and PCCC request IDs.
const (
	VendorID         uint16 = 0x1337
	OriginatorSerial uint32 = 42
)

// Fixed connection parameters. The RPI values are ~2.1 seconds; the
// transport trigger selects class 3, application-triggered.
const (
	connPriorityTick      byte   = 0x0A
	connTimeoutTicks      byte   = 0x0E
	connTimeoutMultiplier uint32 = 0x03
	connOTRPI             uint32 = 0x00201234
	connTORPI             uint32 = 0x00204001
	connParamsBase        uint16 = 0x4200
	connTransportTrigger  byte   = 0xA3
)

// Connection size options.
const (
	ConnectionSizeLarge uint16 = 4002 // Large Forward Open max size
	ConnectionSizeSmall uint16 = 504  // Standard Forward Open size
)

// Connection represents an established CIP connection.
type Connection struct {
	OTConnID     uint32 // Originator -> Target connection ID
	TOConnID     uint32 // Target -> Originator connection ID
	SerialNumber uint16 // Connection serial number (for Forward Close)
	Size         uint16 // Negotiated payload size

	seq uint32 // atomic; low 16 bits used
}

// NextSequence returns the next sequence number for connected messaging.
// Zero is skipped so an unset sequence is never a valid correlation key.
func (c *Connection) NextSequence() uint16 {
	for {
		s := uint16(atomic.AddUint32(&c.seq, 1))
		if s != 0 {
			return s
		}
	}
}

// WrapConnected prefixes the 16-bit sequence number to a CIP payload.
func WrapConnected(seq uint16, cipPayload []byte) []byte {
	out := make([]byte, 2+len(cipPayload))
	binary.LittleEndian.PutUint16(out[0:2], seq)
	copy(out[2:], cipPayload)
	return out
}

// UnwrapConnected extracts the sequence and CIP response payload.
func UnwrapConnected(raw []byte) (seq uint16, cipPayload []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("UnwrapConnected: connected data too short: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint16(raw[0:2]), raw[2:], nil
}

// BuildForwardOpenRequest builds a Forward Open CIP request for the given
// connection path and payload size. Sizes over 511 bytes use the Large
// Forward Open (0x5B) with 32-bit network parameters. Returns the request
// bytes and the fresh connection serial.
func BuildForwardOpenRequest(connectionPath []byte, size uint16) ([]byte, uint16) {
	large := size > 511
	connSerial := uint16(rand.Intn(65000) + 1)

	svcCode := SvcForwardOpen
	if large {
		svcCode = SvcForwardOpenLarge
	}

	var otParams, toParams uint32
	if large {
		otParams = (uint32(connParamsBase) << 16) | uint32(size)
		toParams = otParams
	} else {
		otParams = uint32(connParamsBase) | uint32(size)
		toParams = otParams
	}

	data := make([]byte, 0, 40+len(connectionPath))

	data = append(data, svcCode)
	// Path to the Connection Manager: class 6, instance 1.
	data = append(data, 0x02)
	data = append(data, 0x20, ClassConnectionManager)
	data = append(data, 0x24, InstanceConnManager)

	data = append(data, connPriorityTick)
	data = append(data, connTimeoutTicks)

	// O->T connection ID (chosen by the target), T->O (our pick).
	data = binary.LittleEndian.AppendUint32(data, 0x20000002)
	data = binary.LittleEndian.AppendUint32(data, uint32(rand.Intn(65000)+1))

	data = binary.LittleEndian.AppendUint16(data, connSerial)
	data = binary.LittleEndian.AppendUint16(data, VendorID)
	data = binary.LittleEndian.AppendUint32(data, OriginatorSerial)

	// Timeout multiplier plus 3 reserved bytes.
	data = binary.LittleEndian.AppendUint32(data, connTimeoutMultiplier)

	data = binary.LittleEndian.AppendUint32(data, connOTRPI)
	if large {
		data = binary.LittleEndian.AppendUint32(data, otParams)
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(otParams))
	}

	data = binary.LittleEndian.AppendUint32(data, connTORPI)
	if large {
		data = binary.LittleEndian.AppendUint32(data, toParams)
	} else {
		data = binary.LittleEndian.AppendUint16(data, uint16(toParams))
	}

	data = append(data, connTransportTrigger)

	data = append(data, byte(len(connectionPath)/2))
	data = append(data, connectionPath...)

	return data, connSerial
}

// ForwardOpenResponse contains the parsed response from Forward Open.
type ForwardOpenResponse struct {
	OTConnectionID   uint32
	TOConnectionID   uint32
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	OTRPI            uint32
	TORPI            uint32
}

// ParseForwardOpenResponse parses the data section of a successful
// Forward Open reply.
func ParseForwardOpenResponse(data []byte) (*ForwardOpenResponse, error) {
	if len(data) < 26 {
		return nil, fmt.Errorf("ParseForwardOpenResponse: response too short: %d bytes", len(data))
	}

	return &ForwardOpenResponse{
		OTConnectionID:   binary.LittleEndian.Uint32(data[0:4]),
		TOConnectionID:   binary.LittleEndian.Uint32(data[4:8]),
		ConnectionSerial: binary.LittleEndian.Uint16(data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(data[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[12:16]),
		OTRPI:            binary.LittleEndian.Uint32(data[16:20]),
		TORPI:            binary.LittleEndian.Uint32(data[20:24]),
	}, nil
}

// BuildForwardCloseRequest builds a Forward Close (0x4E) CIP request for
// the given connection and path.
func BuildForwardCloseRequest(conn *Connection, connectionPath []byte) ([]byte, error) {
	if conn == nil {
		return nil, fmt.Errorf("BuildForwardCloseRequest: nil connection")
	}

	cmPath, _ := NewPath().Class(ClassConnectionManager).Instance(InstanceConnManager).Build()

	data := make([]byte, 0, 12+len(connectionPath))
	data = append(data, connPriorityTick)
	data = append(data, 0x01) // timeout ticks
	data = binary.LittleEndian.AppendUint16(data, conn.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, VendorID)
	data = binary.LittleEndian.AppendUint32(data, OriginatorSerial)

	pathWords := byte(len(connectionPath) / 2)
	if len(connectionPath)%2 != 0 {
		pathWords++
	}
	data = append(data, pathWords)
	data = append(data, 0x00) // reserved
	data = append(data, connectionPath...)
	if len(connectionPath)%2 != 0 {
		data = append(data, 0x00)
	}

	req := make([]byte, 0, 2+len(cmPath)+len(data))
	req = append(req, SvcForwardClose)
	req = append(req, cmPath.WordLen())
	req = append(req, cmPath...)
	req = append(req, data...)

	return req, nil
}

// ConnectionPath builds the Forward Open connection path: the routing
// port/link bytes followed by the Message Router (class 2, instance 1).
func ConnectionPath(routePath []byte) []byte {
	path := make([]byte, 0, len(routePath)+4)
	path = append(path, routePath...)
	path = append(path, 0x20, ClassMessageRouter, 0x24, 0x01)
	return path
}
