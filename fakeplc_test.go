package taglink

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakePLC is an in-process EtherNet/IP target for runtime tests. It
// registers sessions and answers unconnected CIP read/write/RMW requests
// with canned data, recording what it saw.
type fakePLC struct {
	ln   net.Listener
	addr string

	mu        sync.Mutex
	readType  []byte // type info bytes, e.g. C4 00
	readData  []byte // element payload
	fragAt    int    // >0: first read returns partial up to fragAt
	fragSent  bool
	delay     time.Duration
	silent    bool // swallow requests without answering

	writes   [][]byte // raw CIP write requests seen
	rmwOR    []byte
	rmwAND   []byte
	readReqs int
	fragReqs []uint32 // offsets seen in fragmented reads
}

func newFakePLC(t *testing.T) *fakePLC {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	p := &fakePLC{
		ln:       ln,
		addr:     ln.Addr().String(),
		readType: []byte{0xC4, 0x00},
		readData: []byte{0x78, 0x56, 0x34, 0x12},
	}

	go p.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })

	return p
}

func (p *fakePLC) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handleConn(conn)
	}
}

func (p *fakePLC) handleConn(conn net.Conn) {
	defer conn.Close()

	for {
		header := make([]byte, 24)
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.LittleEndian.Uint16(header[2:4])
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		cmd := binary.LittleEndian.Uint16(header[0:2])
		switch cmd {
		case 0x65: // RegisterSession
			resp := make([]byte, 24+4)
			copy(resp, header)
			binary.LittleEndian.PutUint16(resp[2:4], 4)
			binary.LittleEndian.PutUint32(resp[4:8], 0x11223344) // session handle
			copy(resp[24:], payload)
			if _, err := conn.Write(resp); err != nil {
				return
			}

		case 0x66: // UnRegisterSession
			return

		case 0x63: // ListIdentity keepalive: ignored
			continue

		case 0x6F: // SendRRData
			p.mu.Lock()
			silent := p.silent
			delay := p.delay
			p.mu.Unlock()

			if silent {
				continue
			}
			if delay > 0 {
				time.Sleep(delay)
			}

			cipReq, err := extractUnconnected(payload)
			if err != nil {
				return
			}
			cipResp := p.handleCIP(cipReq)
			if cipResp == nil {
				continue
			}

			if err := writeRRData(conn, header, cipResp); err != nil {
				return
			}

		default:
			return
		}
	}
}

// extractUnconnected digs the CIP request out of a SendRRData payload.
func extractUnconnected(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("short payload")
	}
	cpf := payload[6:] // skip interface handle + timeout
	count := binary.LittleEndian.Uint16(cpf[0:2])
	off := 2
	for i := 0; i < int(count); i++ {
		if off+4 > len(cpf) {
			return nil, fmt.Errorf("truncated item")
		}
		typeID := binary.LittleEndian.Uint16(cpf[off : off+2])
		itemLen := int(binary.LittleEndian.Uint16(cpf[off+2 : off+4]))
		off += 4
		if typeID == 0xB2 {
			return cpf[off : off+itemLen], nil
		}
		off += itemLen
	}
	return nil, fmt.Errorf("no data item")
}

// writeRRData wraps a CIP response in CPF and an encapsulation frame that
// echoes the request's sender context.
func writeRRData(conn net.Conn, reqHeader, cipResp []byte) error {
	cpf := make([]byte, 0, 16+len(cipResp))
	cpf = binary.LittleEndian.AppendUint16(cpf, 2)
	cpf = binary.LittleEndian.AppendUint16(cpf, 0x00) // null address
	cpf = binary.LittleEndian.AppendUint16(cpf, 0)
	cpf = binary.LittleEndian.AppendUint16(cpf, 0xB2)
	cpf = binary.LittleEndian.AppendUint16(cpf, uint16(len(cipResp)))
	cpf = append(cpf, cipResp...)

	body := make([]byte, 6, 6+len(cpf))
	body = append(body, cpf...) // interface handle + timeout are zero

	frame := make([]byte, 24+len(body))
	binary.LittleEndian.PutUint16(frame[0:2], 0x6F)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(body)))
	copy(frame[4:8], reqHeader[4:8])   // session handle
	copy(frame[12:20], reqHeader[12:20]) // sender context
	copy(frame[24:], body)

	_, err := conn.Write(frame)
	return err
}

// handleCIP produces the CIP response for one request, nil to drop it.
func (p *fakePLC) handleCIP(req []byte) []byte {
	if len(req) < 2 {
		return nil
	}
	service := req[0]
	pathLen := int(req[1]) * 2
	rest := req[2+pathLen:]

	p.mu.Lock()
	defer p.mu.Unlock()

	switch service {
	case 0x4C: // Read Tag
		p.readReqs++
		if p.fragAt > 0 {
			p.fragSent = true
			out := []byte{0xCC, 0x00, 0x06, 0x00}
			out = append(out, p.readType...)
			return append(out, p.readData[:p.fragAt]...)
		}
		out := []byte{0xCC, 0x00, 0x00, 0x00}
		out = append(out, p.readType...)
		return append(out, p.readData...)

	case 0x52: // Read Tag Fragmented
		offset := binary.LittleEndian.Uint32(rest[2:6])
		p.fragReqs = append(p.fragReqs, offset)
		out := []byte{0xD2, 0x00, 0x00, 0x00}
		out = append(out, p.readType...)
		if int(offset) < len(p.readData) {
			out = append(out, p.readData[offset:]...)
		}
		return out

	case 0x4D: // Write Tag
		p.writes = append(p.writes, append([]byte{}, req...))
		return []byte{0xCD, 0x00, 0x00, 0x00}

	case 0x53: // Write Tag Fragmented
		p.writes = append(p.writes, append([]byte{}, req...))
		return []byte{0xD3, 0x00, 0x00, 0x00}

	case 0x4E: // Read-Modify-Write
		maskSize := int(binary.LittleEndian.Uint16(rest[0:2]))
		p.rmwOR = append([]byte{}, rest[2:2+maskSize]...)
		p.rmwAND = append([]byte{}, rest[2+maskSize:2+2*maskSize]...)
		return []byte{0xCE, 0x00, 0x00, 0x00}

	default:
		return []byte{service | 0x80, 0x00, 0x08, 0x00} // service not supported
	}
}

func (p *fakePLC) setFragAt(n int) {
	p.mu.Lock()
	p.fragAt = n
	p.mu.Unlock()
}

func (p *fakePLC) setDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *fakePLC) setSilent(silent bool) {
	p.mu.Lock()
	p.silent = silent
	p.mu.Unlock()
}

func (p *fakePLC) setReadData(typeInfo, data []byte) {
	p.mu.Lock()
	p.readType = typeInfo
	p.readData = data
	p.mu.Unlock()
}

func (p *fakePLC) lastWrite() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil
	}
	return p.writes[len(p.writes)-1]
}

func (p *fakePLC) masks() ([]byte, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rmwOR, p.rmwAND
}

// attrsFor builds a direct, unconnected attribute string for the fake
// target.
func (p *fakePLC) attrsFor(extra string) string {
	s := fmt.Sprintf("protocol=ab_eip&gateway=%s&plc=lgx&use_connected_msg=0&allow_packing=0", p.addr)
	if extra != "" {
		s += "&" + extra
	}
	return s
}
