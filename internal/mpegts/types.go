// Package mpegts demultiplexes MPEG transport streams far enough to recover
// audio elementary streams: PAT and PMT discovery, per-PID reassembly with
// continuity checking, and PES header decoding with 90 kHz timestamps.
package mpegts

// Stream types announced in the PMT.
const (
	StreamTypeMPEG1Audio uint8 = 0x03
	StreamTypeMPEG2Audio uint8 = 0x04
	StreamTypeADTS       uint8 = 0x0F
	StreamTypeLATM       uint8 = 0x11
	StreamTypeH264       uint8 = 0x1B
	StreamTypeH265       uint8 = 0x24
	StreamTypeAC3        uint8 = 0x81
	StreamTypeEAC3       uint8 = 0x87
)

// ClockRate is the frequency of PES timestamps.
const ClockRate = 90000

// IsAudio reports whether t is one of the audio stream types above.
func IsAudio(t uint8) bool {
	switch t {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio, StreamTypeADTS,
		StreamTypeLATM, StreamTypeAC3, StreamTypeEAC3:
		return true
	}
	return false
}

// StreamTypeName returns a short codec name for logs.
func StreamTypeName(t uint8) string {
	switch t {
	case StreamTypeMPEG1Audio, StreamTypeMPEG2Audio:
		return "mp3"
	case StreamTypeADTS:
		return "aac-adts"
	case StreamTypeLATM:
		return "aac-latm"
	case StreamTypeH264:
		return "h264"
	case StreamTypeH265:
		return "h265"
	case StreamTypeAC3:
		return "ac3"
	case StreamTypeEAC3:
		return "eac3"
	}
	return "unknown"
}

// Packet is one decoded 188-byte transport packet.
type Packet struct {
	PID           uint16
	Counter       uint8 // continuity_counter
	Start         bool  // payload_unit_start_indicator
	HasPayload    bool
	TEI           bool // transport_error_indicator
	Discontinuity bool // adaptation field discontinuity_indicator
	Payload       []byte
}

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// PAT is a Program Association Table.
type PAT struct {
	TransportStreamID uint16
	Programs          []Program
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID      uint16
	Type     uint8
	Language string // ISO 639 code from the language descriptor, if present
}

// PMT is a Program Map Table.
type PMT struct {
	ProgramNumber uint16
	PCRPID        uint16
	Streams       []ElementaryStream
}

// PES is a reassembled packetized elementary stream packet. PTS and DTS
// are in ClockRate units and only meaningful when the matching Has flag is set.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Data     []byte
}

// Unit is one demuxer output. Exactly one of PAT, PMT or PES is set.
type Unit struct {
	PID uint16
	PAT *PAT
	PMT *PMT
	PES *PES
}
