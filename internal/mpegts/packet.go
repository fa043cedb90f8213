package mpegts

import (
	"errors"
	"fmt"
)

// PacketSize is the length of one transport packet.
const PacketSize = 188

const (
	syncByte = 0x47

	pidPAT  uint16 = 0x0000
	pidNull uint16 = 0x1FFF
)

// ErrSync is returned for a packet that does not start with 0x47.
var ErrSync = errors.New("mpegts: lost sync")

func parsePacket(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("mpegts: packet is %d bytes, want %d", len(b), PacketSize)
	}
	if b[0] != syncByte {
		return Packet{}, ErrSync
	}

	p := Packet{
		TEI:        b[1]&0x80 != 0,
		Start:      b[1]&0x40 != 0,
		PID:        uint16(b[1]&0x1F)<<8 | uint16(b[2]),
		HasPayload: b[3]&0x10 != 0,
		Counter:    b[3] & 0x0F,
	}

	off := 4
	if b[3]&0x20 != 0 {
		n := int(b[4])
		if n > 0 {
			p.Discontinuity = b[5]&0x80 != 0
		}
		off += 1 + n
	}
	if p.HasPayload && off < PacketSize {
		p.Payload = append([]byte(nil), b[off:]...)
	}
	return p, nil
}
