package cip

import (
	"encoding/binary"
	"fmt"
)

// Multiple Service Packet (service 0x0A) batches several CIP requests
// into one, each addressed by an offset table.

// maxPackedServices bounds one packet; controllers reject more.
const maxPackedServices = 200

// BuildMultipleServiceRequest builds the complete Multiple Service Packet
// CIP request (service, Message Router path, count, offsets, services)
// from pre-encoded sub-requests.
func BuildMultipleServiceRequest(services [][]byte) ([]byte, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("BuildMultipleServiceRequest: no requests provided")
	}
	if len(services) > maxPackedServices {
		return nil, fmt.Errorf("BuildMultipleServiceRequest: too many requests (%d), max %d", len(services), maxPackedServices)
	}

	// Header: [service count: 2 bytes] [offsets: 2 bytes each].
	headerSize := 2 + len(services)*2

	offsets := make([]uint16, len(services))
	currentOffset := uint16(headerSize)
	for i, svc := range services {
		offsets[i] = currentOffset
		currentOffset += uint16(len(svc))
	}

	payload := make([]byte, 0, int(currentOffset))
	payload = binary.LittleEndian.AppendUint16(payload, uint16(len(services)))
	for _, offset := range offsets {
		payload = binary.LittleEndian.AppendUint16(payload, offset)
	}
	for _, svc := range services {
		payload = append(payload, svc...)
	}

	msPath, _ := NewPath().Class(ClassMessageRouter).Instance(0x01).Build()
	req := make([]byte, 0, 2+len(msPath)+len(payload))
	req = append(req, SvcMultipleServicePacket)
	req = append(req, msPath.WordLen())
	req = append(req, msPath...)
	req = append(req, payload...)

	return req, nil
}

// MultipleServiceOverhead is the fixed request overhead beyond the summed
// sub-requests: service, path size, Message Router path, count word, and
// one offset word per sub-request.
func MultipleServiceOverhead(count int) int {
	return 2 + 4 + 2 + count*2
}

// SplitMultipleServiceResponse splits the data section of a Multiple
// Service Packet reply into raw per-service response slices by the
// offset table. Sub-responses come back in request order.
func SplitMultipleServiceResponse(data []byte) ([][]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("SplitMultipleServiceResponse: response too short: %d bytes", len(data))
	}

	serviceCount := int(binary.LittleEndian.Uint16(data[0:2]))
	if serviceCount == 0 {
		return nil, nil
	}

	minSize := 2 + serviceCount*2
	if len(data) < minSize {
		return nil, fmt.Errorf("SplitMultipleServiceResponse: response too short for %d services", serviceCount)
	}

	out := make([][]byte, serviceCount)
	for i := 0; i < serviceCount; i++ {
		start := int(binary.LittleEndian.Uint16(data[2+i*2 : 4+i*2]))
		end := len(data)
		if i < serviceCount-1 {
			end = int(binary.LittleEndian.Uint16(data[4+i*2 : 6+i*2]))
		}
		if start < minSize || start >= end || end > len(data) {
			return nil, fmt.Errorf("SplitMultipleServiceResponse: bad offset table entry %d: [%d,%d)", i, start, end)
		}
		out[i] = data[start:end]
	}

	return out, nil
}

// ParseMultipleServiceResponse splits the data section of a Multiple
// Service Packet reply into per-service responses by the offset table.
// Sub-responses come back in request order.
func ParseMultipleServiceResponse(data []byte) ([]*Response, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("ParseMultipleServiceResponse: response too short: %d bytes", len(data))
	}

	serviceCount := int(binary.LittleEndian.Uint16(data[0:2]))
	if serviceCount == 0 {
		return nil, nil
	}

	minSize := 2 + serviceCount*2
	if len(data) < minSize {
		return nil, fmt.Errorf("ParseMultipleServiceResponse: response too short for %d services", serviceCount)
	}

	offsets := make([]int, serviceCount)
	for i := 0; i < serviceCount; i++ {
		offsets[i] = int(binary.LittleEndian.Uint16(data[2+i*2 : 4+i*2]))
	}

	responses := make([]*Response, serviceCount)
	for i := 0; i < serviceCount; i++ {
		start := offsets[i]
		end := len(data)
		if i < serviceCount-1 {
			end = offsets[i+1]
		}

		if start < minSize || start >= end || end > len(data) {
			return nil, fmt.Errorf("ParseMultipleServiceResponse: bad offset table entry %d: [%d,%d)", i, start, end)
		}

		resp, err := ParseResponse(data[start:end])
		if err != nil {
			return nil, fmt.Errorf("ParseMultipleServiceResponse: service %d: %w", i, err)
		}
		responses[i] = resp
	}

	return responses, nil
}
