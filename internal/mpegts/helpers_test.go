package mpegts

import "encoding/binary"

// tsPacket builds a payload-only packet, stuffing the tail with 0xFF.
func tsPacket(pid uint16, cc uint8, start bool, payload []byte) []byte {
	b := make([]byte, PacketSize)
	for i := range b {
		b[i] = 0xFF
	}
	b[0] = syncByte
	b[1] = byte(pid>>8) & 0x1F
	if start {
		b[1] |= 0x40
	}
	b[2] = byte(pid)
	b[3] = 0x10 | cc&0x0F
	copy(b[4:], payload)
	return b
}

// tsPacketAF builds a packet whose adaptation field of afLen bytes precedes
// payload, which fills the rest of the packet exactly.
func tsPacketAF(pid uint16, cc uint8, start bool, afLen int, payload []byte) []byte {
	b := make([]byte, PacketSize)
	b[0] = syncByte
	b[1] = byte(pid>>8) & 0x1F
	if start {
		b[1] |= 0x40
	}
	b[2] = byte(pid)
	b[3] = 0x20 | cc&0x0F
	if payload != nil {
		b[3] |= 0x10
	}
	b[4] = byte(afLen)
	for i := 5; i < 5+afLen && i < PacketSize; i++ {
		b[i] = 0xFF
	}
	if afLen > 0 {
		b[5] = 0x00
	}
	copy(b[5+afLen:], payload)
	return b
}

func withCRC(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, crc32MPEG(b))
}

type program struct{ num, pid uint16 }

func patSection(tsID uint16, programs ...program) []byte {
	n := 5 + 4*len(programs) + 4
	s := []byte{tableIDPAT, 0xB0 | byte(n>>8)&0x0F, byte(n), byte(tsID >> 8), byte(tsID), 0xC1, 0, 0}
	for _, p := range programs {
		s = append(s, byte(p.num>>8), byte(p.num), 0xE0|byte(p.pid>>8)&0x1F, byte(p.pid))
	}
	return withCRC(s)
}

type esEntry struct {
	typ  uint8
	pid  uint16
	lang string
}

func pmtSection(num, pcrPID uint16, streams ...esEntry) []byte {
	var body []byte
	for _, es := range streams {
		var info []byte
		if es.lang != "" {
			info = append([]byte{descriptorLanguage, 4}, es.lang...)
			info = append(info, 0)
		}
		body = append(body, es.typ, 0xE0|byte(es.pid>>8)&0x1F, byte(es.pid), 0xF0|byte(len(info)>>8)&0x0F, byte(len(info)))
		body = append(body, info...)
	}
	n := 9 + len(body) + 4
	s := []byte{tableIDPMT, 0xB0 | byte(n>>8)&0x0F, byte(n), byte(num >> 8), byte(num), 0xC1, 0, 0,
		0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0}
	s = append(s, body...)
	return withCRC(s)
}

// psiPayload prefixes a section with a zero pointer field.
func psiPayload(section []byte) []byte {
	return append([]byte{0}, section...)
}

func encodeTimestamp(prefix byte, v int64) []byte {
	return []byte{
		prefix<<4 | byte(v>>29)&0x0E | 0x01,
		byte(v >> 22),
		byte(v>>14)&0xFE | 0x01,
		byte(v >> 7),
		byte(v<<1)&0xFE | 0x01,
	}
}

// pesPacket builds a PES packet. A negative dts omits DTS, a negative pts
// omits both. bounded selects a non-zero PES_packet_length.
func pesPacket(streamID byte, pts, dts int64, bounded bool, data []byte) []byte {
	var opt []byte
	var flags byte
	switch {
	case pts >= 0 && dts >= 0:
		flags = 0x3
		opt = append(encodeTimestamp(0x3, pts), encodeTimestamp(0x1, dts)...)
	case pts >= 0:
		flags = 0x2
		opt = encodeTimestamp(0x2, pts)
	}
	n := 0
	if bounded {
		n = 3 + len(opt) + len(data)
	}
	b := []byte{0, 0, 1, streamID, byte(n >> 8), byte(n), 0x80, flags << 6, byte(len(opt))}
	b = append(b, opt...)
	return append(b, data...)
}

// split cuts a PES packet into consecutive transport packets on pid.
func split(pid uint16, cc *uint8, unit []byte) [][]byte {
	var pkts [][]byte
	start := true
	for len(unit) > 0 {
		n := min(len(unit), PacketSize-4)
		chunk := unit[:n]
		unit = unit[n:]
		var pkt []byte
		if n == PacketSize-4 {
			pkt = tsPacket(pid, *cc, start, chunk)
		} else {
			// Pad short tails with an adaptation field so stuffing is not
			// mistaken for payload.
			pkt = tsPacketAF(pid, *cc, start, PacketSize-5-n, chunk)
		}
		pkts = append(pkts, pkt)
		*cc = (*cc + 1) & 0x0F
		start = false
	}
	return pkts
}
