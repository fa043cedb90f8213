package mpegts

import (
	"errors"
	"fmt"
)

var errNotPES = errors.New("mpegts: missing PES start code")

const (
	streamIDPadding   = 0xBE
	streamIDPrivate2  = 0xBF
	streamIDECM       = 0xF0
	streamIDEMM       = 0xF1
	streamIDDSMCC     = 0xF2
	streamIDH2221E    = 0xF8
	streamIDDirectory = 0xFF
)

// hasOptionalHeader reports whether PES packets of stream id carry the
// flags/timestamps header.
func hasOptionalHeader(id uint8) bool {
	switch id {
	case streamIDPadding, streamIDPrivate2, streamIDECM, streamIDEMM,
		streamIDDSMCC, streamIDH2221E, streamIDDirectory:
		return false
	}
	return true
}

func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("mpegts: PES of %d bytes", len(b))
	}
	if b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return nil, errNotPES
	}

	pes := &PES{StreamID: b[3]}
	// A zero PES_packet_length leaves the packet unbounded.
	end := len(b)
	if n := int(b[4])<<8 | int(b[5]); n > 0 && 6+n < end {
		end = 6 + n
	}

	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if end < 9 {
		return nil, fmt.Errorf("mpegts: PES header of %d bytes", end)
	}

	flags := b[7] >> 6
	start := 9 + int(b[8])
	if start > end {
		return nil, fmt.Errorf("mpegts: PES header length %d overruns packet", b[8])
	}
	if flags&0x2 != 0 && start >= 14 {
		pes.PTS, pes.HasPTS = timestamp(b[9:14]), true
	}
	if flags == 0x3 && start >= 19 {
		pes.DTS, pes.HasDTS = timestamp(b[14:19]), true
	}
	pes.Data = b[start:end]
	return pes, nil
}

// timestamp decodes the 33-bit value spread over five bytes with marker bits.
func timestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1)
}
