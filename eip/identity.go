package eip

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Identity is the parsed ListIdentity identity item.
type Identity struct {
	EncapsulationVersion uint16
	VendorID             uint16
	DeviceType           uint16
	ProductCode          uint16
	RevisionMajor        byte
	RevisionMinor        byte
	Status               uint16
	SerialNumber         uint32
	ProductName          string
	State                byte

	IP   net.IP
	Port uint16
}

// Revision formats the firmware revision as "major.minor".
func (id *Identity) Revision() string {
	return fmt.Sprintf("%d.%d", id.RevisionMajor, id.RevisionMinor)
}

// ParseListIdentity parses the payload of a ListIdentity (0x63) reply
// into identity records. Targets usually return exactly one.
func ParseListIdentity(p []byte) ([]Identity, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("ParseListIdentity: payload too short: %d", len(p))
	}

	count := int(binary.LittleEndian.Uint16(p[0:2]))
	off := 2

	idents := make([]Identity, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(p) {
			return nil, fmt.Errorf("ParseListIdentity: truncated item header at item %d", i)
		}
		itemType := binary.LittleEndian.Uint16(p[off : off+2])
		itemLen := int(binary.LittleEndian.Uint16(p[off+2 : off+4]))
		off += 4

		if off+itemLen > len(p) {
			return nil, fmt.Errorf("ParseListIdentity: truncated item data at item %d", i)
		}
		itemData := p[off : off+itemLen]
		off += itemLen

		if itemType == CpfTypeListIdentityResponseId {
			id, err := parseIdentityItemData(itemData)
			if err != nil {
				return nil, err
			}
			idents = append(idents, id)
		}
	}

	return idents, nil
}

func parseIdentityItemData(b []byte) (Identity, error) {
	// Fixed fields through the product name length take 33 bytes.
	if len(b) < 33 {
		return Identity{}, fmt.Errorf("identity item too short: %d", len(b))
	}
	off := 0

	encapVer := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2

	// Socket address (16 bytes): family(2), port(2), addr(4), zero(8),
	// port and addr in network byte order.
	sock := b[off : off+16]
	off += 16

	port := binary.BigEndian.Uint16(sock[2:4])
	ip := net.IPv4(sock[4], sock[5], sock[6], sock[7])

	vendor := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	devType := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	prodCode := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	revMajor := b[off]
	revMinor := b[off+1]
	off += 2
	devStatus := binary.LittleEndian.Uint16(b[off : off+2])
	off += 2
	serial := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4

	nameLen := int(b[off])
	off++
	if off+nameLen > len(b) {
		return Identity{}, fmt.Errorf("identity product name truncated")
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	var state byte
	if off < len(b) {
		state = b[off]
	}

	return Identity{
		EncapsulationVersion: encapVer,
		VendorID:             vendor,
		DeviceType:           devType,
		ProductCode:          prodCode,
		RevisionMajor:        revMajor,
		RevisionMinor:        revMinor,
		Status:               devStatus,
		SerialNumber:         serial,
		ProductName:          name,
		State:                state,
		IP:                   ip,
		Port:                 port,
	}, nil
}
