package cip

// CIP common services.
const (
	SvcGetAttributeSingle byte = 0x0E
	SvcNop                byte = 0x17
)

// Connection Manager services.
const (
	SvcForwardOpen      byte = 0x54 // Standard Forward Open (16-bit params, <=511 bytes)
	SvcForwardOpenLarge byte = 0x5B // Large Forward Open (32-bit params, >511 bytes)
	SvcForwardClose     byte = 0x4E
	SvcUnconnectedSend  byte = 0x52

	ClassMessageRouter     byte = 0x02
	ClassConnectionManager byte = 0x06
	InstanceConnManager    byte = 0x01
)

// Logix-specific CIP services (Allen-Bradley extensions to CIP).
const (
	SvcReadTag               byte = 0x4C
	SvcWriteTag              byte = 0x4D
	SvcReadTagFragmented     byte = 0x52 // CIP layer; distinct from UCMM 0x52
	SvcWriteTagFragmented    byte = 0x53
	SvcReadModifyWriteTag    byte = 0x4E // CIP layer; distinct from Forward Close
	SvcMultipleServicePacket byte = 0x0A
	SvcExecutePCCC           byte = 0x4B
)

// ReplyMask marks a reply service code (request service | 0x80).
const ReplyMask byte = 0x80

// CIP general status codes the codec branches on directly. The complete
// mapping to library status codes lives in the status package.
const (
	StatusSuccess           byte = 0x00
	StatusPartialTransfer   byte = 0x06
	StatusServiceNotSupport byte = 0x08
	StatusEmbeddedError     byte = 0x1E
	StatusGeneralError      byte = 0xFF
)
