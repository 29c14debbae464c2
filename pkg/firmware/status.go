package firmware

import (
	"encoding/binary"
	"fmt"
)

// Status is the 4 byte result code returned to the host for simple
// acknowledgments. Encoded little-endian on the wire. Code values are stable
// across firmware/host-library pairs.
type Status uint32

const (
	StatusSuccess       Status = 0x00
	StatusBadArgument   Status = 0x40
	StatusTimeout       Status = 0x45
	StatusAborted       Status = 0x46
	StatusDMAFailure    Status = 0x47
	StatusFailure       Status = 0x4A
	StatusBusy          Status = 0x4B
	StatusNotConfigured Status = 0x4C
	StatusLostData      Status = 0x4D
)

func (s Status) Ok() bool {
	return s == StatusSuccess
}

// Bytes encodes the status in the little-endian wire form used for all
// fixed-size acknowledgment payloads.
func (s Status) Bytes() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(s))
	return b
}

// StatusFromBytes decodes a 4 byte little-endian acknowledgment payload.
func StatusFromBytes(b []byte) Status {
	if len(b) < 4 {
		return StatusFailure
	}
	return Status(binary.LittleEndian.Uint32(b))
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBadArgument:
		return "bad argument"
	case StatusTimeout:
		return "timeout"
	case StatusAborted:
		return "aborted"
	case StatusDMAFailure:
		return "dma failure"
	case StatusFailure:
		return "failure"
	case StatusBusy:
		return "busy"
	case StatusNotConfigured:
		return "not configured"
	case StatusLostData:
		return "lost data"
	}
	return fmt.Sprintf("status 0x%x", uint32(s))
}
