package pccc

import (
	"encoding/binary"
	"fmt"

	"taglink/cip"
	"taglink/status"
)

// PCCC command and function codes.
const (
	CmdTyped byte = 0x0F // protected typed logical command

	FuncTypedRead  byte = 0xA2 // protected typed logical read, 3 address fields
	FuncTypedWrite byte = 0xAA // protected typed logical write, 3 address fields
	FuncBitWrite   byte = 0xAB // protected typed logical write with mask
)

// pcccObjectPath is the CIP path to the PCCC object: class 0x67,
// instance 1 (bytes 20 67 24 01 on the wire).
var pcccObjectPath = cip.EPath{0x20, 0x67, 0x24, 0x01}

// requestIDSize is the fixed requestor-ID length: size byte, vendor ID,
// vendor serial.
const requestIDSize = 7

// BuildExecuteRequest wraps a PCCC command body in the CIP Execute PCCC
// service (0x4B): [service][path 20 67 24 01][requestor id][cmd][sts=0]
// [tns][body].
func BuildExecuteRequest(cmd byte, tns uint16, body []byte) []byte {
	req := make([]byte, 0, 2+len(pcccObjectPath)+requestIDSize+4+len(body))
	req = append(req, cip.SvcExecutePCCC)
	req = append(req, pcccObjectPath.WordLen())
	req = append(req, pcccObjectPath...)

	req = append(req, requestIDSize)
	req = binary.LittleEndian.AppendUint16(req, cip.VendorID)
	req = binary.LittleEndian.AppendUint32(req, cip.OriginatorSerial)

	req = append(req, cmd)
	req = append(req, 0x00) // STS always 0 in requests
	req = binary.LittleEndian.AppendUint16(req, tns)
	req = append(req, body...)
	return req
}

// BuildTypedReadRequest builds a protected typed logical read of size
// bytes at the address. PCCC has no fragmentation: the transfer size is
// a single byte and the whole tag must fit one packet.
func BuildTypedReadRequest(addr *FileAddress, tns uint16, size int) ([]byte, error) {
	if size <= 0 || size > 0xFF {
		return nil, fmt.Errorf("BuildTypedReadRequest: transfer size %d out of range", size)
	}

	body := make([]byte, 0, 2+10)
	body = append(body, FuncTypedRead)
	body = append(body, byte(size))
	body = append(body, addr.Encode()...)
	return BuildExecuteRequest(CmdTyped, tns, body), nil
}

// BuildTypedWriteRequest builds a protected typed logical write of the
// data bytes at the address.
func BuildTypedWriteRequest(addr *FileAddress, tns uint16, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data) > 0xFF {
		return nil, fmt.Errorf("BuildTypedWriteRequest: transfer size %d out of range", len(data))
	}

	body := make([]byte, 0, 2+10+len(data))
	body = append(body, FuncTypedWrite)
	body = append(body, byte(len(data)))
	body = append(body, addr.Encode()...)
	body = append(body, data...)
	return BuildExecuteRequest(CmdTyped, tns, body), nil
}

// BuildBitWriteRequest builds a protected typed write with mask: the set
// mask turns bits on, the reset mask turns bits off, untouched bits keep
// their value. Masks are one word.
func BuildBitWriteRequest(addr *FileAddress, tns uint16, setMask, resetMask uint16) ([]byte, error) {
	body := make([]byte, 0, 2+10+4)
	body = append(body, FuncBitWrite)
	body = append(body, 2) // mask size in bytes
	body = append(body, addr.Encode()...)
	body = binary.LittleEndian.AppendUint16(body, setMask)
	body = binary.LittleEndian.AppendUint16(body, resetMask)
	return BuildExecuteRequest(CmdTyped, tns, body), nil
}

// Response is a decoded Execute PCCC reply.
type Response struct {
	Cmd    byte
	Sts    byte
	Tns    uint16
	ExtSts byte
	Data   []byte
}

// ParseExecuteResponse decodes the data section of an Execute PCCC CIP
// reply: [requestor id][cmd][sts][tns][(ext sts)][data]. Responses are
// matched to requests by the echoed transaction number.
func ParseExecuteResponse(data []byte) (*Response, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("ParseExecuteResponse: empty response")
	}

	idSize := int(data[0])
	if idSize < 1 || len(data) < idSize+4 {
		return nil, fmt.Errorf("ParseExecuteResponse: truncated response: %d bytes, id size %d", len(data), idSize)
	}

	p := data[idSize:]
	resp := &Response{
		Cmd: p[0],
		Sts: p[1],
		Tns: binary.LittleEndian.Uint16(p[2:4]),
	}
	p = p[4:]

	if resp.Sts == 0xF0 {
		if len(p) < 1 {
			return nil, fmt.Errorf("ParseExecuteResponse: missing extended status byte")
		}
		resp.ExtSts = p[0]
		p = p[1:]
	}

	resp.Data = p
	return resp, nil
}

// Status maps the response status pair to a library status code.
func (r *Response) Status() status.Status {
	return status.FromPCCC(r.Sts, r.ExtSts)
}
