package status

import "fmt"

// CIP general status codes that the runtime inspects directly.
const (
	CipStatusOK              byte = 0x00
	CipStatusPartialTransfer byte = 0x06
)

// cipGeneral maps CIP general status bytes to library status codes.
// Codes not present map to ErrRemoteErr with the raw byte preserved in
// the log line.
var cipGeneral = map[byte]Status{
	0x00: OK,
	0x01: ErrBadConnection, // Connection failure
	0x02: ErrNoResources,   // Resource unavailable
	0x03: ErrBadParam,      // Invalid parameter value
	0x04: ErrNotFound,      // Path segment error
	0x05: ErrNotFound,      // Path destination unknown
	0x06: ErrPartial,       // Partial transfer
	0x07: ErrBadConnection, // Connection lost
	0x08: ErrUnsupported,   // Service not supported
	0x09: ErrBadData,       // Invalid attribute value
	0x0A: ErrRemoteErr,     // Attribute list error
	0x0B: ErrRemoteErr,     // Already in requested state
	0x0C: ErrRemoteErr,     // Object state conflict
	0x0D: ErrDuplicate,     // Object already exists
	0x0E: ErrNotAllowed,    // Attribute not settable
	0x0F: ErrNotAllowed,    // Privilege violation
	0x10: ErrRemoteErr,     // Device state conflict
	0x11: ErrTooLarge,      // Reply data too large
	0x13: ErrTooSmall,      // Not enough data
	0x14: ErrUnsupported,   // Attribute not supported
	0x15: ErrTooLarge,      // Too much data
	0x16: ErrNotFound,      // Object does not exist
	0x17: ErrUnsupported,   // Fragmentation not supported
	0x1A: ErrBadParam,      // Routing failure, request too large
	0x1C: ErrTooSmall,      // Insufficient attribute data
	0x1E: ErrRemoteErr,     // Embedded service error
	0x20: ErrBadParam,      // Invalid parameter
	0x26: ErrBadParam,      // Path size invalid
	0xFF: ErrRemoteErr,     // General error, see extended status
}

// FromCIP converts a CIP general status to a library status.
func FromCIP(general byte) Status {
	if s, ok := cipGeneral[general]; ok {
		return s
	}
	return ErrRemoteErr
}

// cipExtended names the Logix extended status codes seen when the general
// status is 0xFF. Used for log output only; the mapped kind stays
// ErrRemoteErr unless the extended code pins it down.
var cipExtended = map[uint16]string{
	0x2101: "Illegal data type",
	0x2104: "Tag not found",
	0x2105: "Tag is read-only",
	0x2107: "Data too small",
	0x2108: "Data too large",
	0x2109: "Offset out of range",
}

// FromCIPExtended refines a 0xFF general status using the first extended
// status word.
func FromCIPExtended(ext uint16) Status {
	switch ext {
	case 0x2101:
		return ErrBadData
	case 0x2104:
		return ErrNotFound
	case 0x2105:
		return ErrNotAllowed
	case 0x2107:
		return ErrTooSmall
	case 0x2108:
		return ErrTooLarge
	case 0x2109:
		return ErrOutOfBounds
	default:
		return ErrRemoteErr
	}
}

// CIPName returns a readable description of a CIP general status byte,
// suitable for log lines next to the raw code.
func CIPName(general byte) string {
	switch general {
	case 0x00:
		return "Success"
	case 0x01:
		return "Connection failure"
	case 0x02:
		return "Resource unavailable"
	case 0x03:
		return "Invalid parameter value"
	case 0x04:
		return "Path segment error"
	case 0x05:
		return "Path destination unknown"
	case 0x06:
		return "Partial transfer"
	case 0x07:
		return "Connection lost"
	case 0x08:
		return "Service not supported"
	case 0x09:
		return "Invalid attribute value"
	case 0x0D:
		return "Object already exists"
	case 0x0E:
		return "Attribute not settable"
	case 0x0F:
		return "Privilege violation"
	case 0x10:
		return "Device state conflict"
	case 0x11:
		return "Reply data too large"
	case 0x13:
		return "Not enough data"
	case 0x14:
		return "Attribute not supported"
	case 0x15:
		return "Too much data"
	case 0x16:
		return "Object does not exist"
	case 0x17:
		return "Fragmentation not supported"
	case 0x1E:
		return "Embedded service error"
	case 0xFF:
		return "General error"
	default:
		return fmt.Sprintf("Status 0x%02X", general)
	}
}

// CIPExtendedName returns a readable description of a Logix extended
// status word, or a hex fallback.
func CIPExtendedName(ext uint16) string {
	if n, ok := cipExtended[ext]; ok {
		return n
	}
	return fmt.Sprintf("Extended 0x%04X", ext)
}
