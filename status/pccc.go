package status

import "fmt"

// PCCC STS status codes (low nibble is the local error, 0xF0 means the
// extended status byte carries the real code).
var pcccSts = map[byte]Status{
	0x00: OK,
	0x01: ErrBadGateway,   // DST node out of buffer space
	0x02: ErrNoData,       // Cannot guarantee delivery
	0x03: ErrBadData,      // Duplicate token holder
	0x04: ErrBadGateway,   // Local port disconnected
	0x05: ErrTimeout,      // Application layer timed out
	0x06: ErrBadData,      // Duplicate node
	0x07: ErrBadGateway,   // Station offline
	0x08: ErrBadGateway,   // Hardware fault
	0x10: ErrBadParam,     // Illegal command or format
	0x20: ErrBadDevice,    // Host has a problem
	0x30: ErrBadDevice,    // Remote node host missing
	0x40: ErrBadDevice,    // Host could not complete
	0x50: ErrBadDevice,    // Host rejected the command
	0x60: ErrNotAllowed,   // Key switch position
	0x70: ErrBadDevice,    // Processor in download mode
	0x80: ErrUnsupported,  // Cannot execute due to mode
	0x90: ErrNoResources,  // Remote node cannot buffer
	0xA0: ErrBadDevice,    // Wait ACK
	0xB0: ErrBadData,      // Remote node problem due to download
	0xC0: ErrNoResources,  // Cannot execute, busy
	0xF0: ErrRemoteErr,    // Error code in EXT STS byte
}

// pcccExt maps PCCC extended status bytes (STS 0xF0) to library codes.
var pcccExt = map[byte]Status{
	0x01: ErrBadParam,    // Field has illegal value
	0x02: ErrTooSmall,    // Fewer levels than required
	0x03: ErrTooLarge,    // More levels than supported
	0x04: ErrNotFound,    // Symbol not found
	0x05: ErrBadData,     // Symbol has improper format
	0x06: ErrOutOfBounds, // Address does not point to something usable
	0x07: ErrBadData,     // File is wrong size
	0x08: ErrOutOfBounds, // Cannot complete, situation changed
	0x09: ErrTooLarge,    // Data or file too large
	0x0A: ErrTooLarge,    // Transaction size too large
	0x0B: ErrNotAllowed,  // Access denied
	0x0C: ErrNotAllowed,  // Condition cannot be generated
	0x0D: ErrBadData,     // Condition already exists
	0x0E: ErrNotAllowed,  // Command cannot be executed
	0x12: ErrNotFound,    // Invalid parameter
	0x1A: ErrNoResources, // Data table element protected
	0x1B: ErrNotAllowed,  // Temporary internal problem
}

// FromPCCC converts a PCCC STS and EXT STS pair to a library status.
func FromPCCC(sts, ext byte) Status {
	s, ok := pcccSts[sts]
	if !ok {
		return ErrRemoteErr
	}
	if sts == 0xF0 {
		if e, ok := pcccExt[ext]; ok {
			return e
		}
		return ErrRemoteErr
	}
	return s
}

// PCCCName renders a PCCC status pair for log output.
func PCCCName(sts, ext byte) string {
	if sts == 0xF0 {
		return fmt.Sprintf("STS 0xF0 EXT 0x%02X", ext)
	}
	return fmt.Sprintf("STS 0x%02X", sts)
}
