// Package aac parses ADTS-framed AAC as carried in MPEG-TS and derives the
// AudioSpecificConfig a Matroska A_AAC track needs as CodecPrivate.
package aac

import (
	"errors"
	"time"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("aac: invalid ADTS header")

// ErrUnsupportedRate is returned for sample rates without an ADTS index.
var ErrUnsupportedRate = errors.New("aac: unsupported sample rate")

// SamplesPerFrame is the number of PCM samples one AAC-LC frame decodes to.
const SamplesPerFrame = 1024

// Sample rate index table (ISO 14496-3).
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// Header is a decoded ADTS header.
type Header struct {
	// Profile is the ADTS profile field; the MPEG-4 audio object type is
	// Profile+1 (1 = AAC-LC).
	Profile         int
	SampleRateIndex int
	SampleRate      int
	Channels        int
	HeaderLen       int // 7, or 9 with CRC
	FrameLen        int // header + payload
}

// Frame is one ADTS frame.
type Frame struct {
	Header
	Data    []byte // complete ADTS frame (header + payload)
	Payload []byte // raw AAC access unit, as Matroska stores it
}

// Duration returns the playback length of one frame.
func (h Header) Duration() time.Duration {
	return time.Duration(SamplesPerFrame) * time.Second / time.Duration(h.SampleRate)
}

// AudioSpecificConfig returns the two-byte MPEG-4 AudioSpecificConfig for h.
func (h Header) AudioSpecificConfig() []byte {
	return AudioSpecificConfig(h.Profile+1, h.SampleRateIndex, h.Channels)
}

// AudioSpecificConfig packs object type, sample rate index and channel
// configuration: 5 + 4 + 4 bits, then three zero bits.
func AudioSpecificConfig(objectType, rateIndex, channels int) []byte {
	return []byte{
		byte(objectType<<3) | byte(rateIndex>>1),
		byte(rateIndex&1)<<7 | byte(channels<<3),
	}
}

// SampleRateIndex returns the ADTS index of rate.
func SampleRateIndex(rate int) (int, error) {
	for i, r := range sampleRates {
		if r == rate {
			return i, nil
		}
	}
	return 0, ErrUnsupportedRate
}

// ParseHeader decodes the ADTS header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < 7 || b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
		return Header{}, ErrInvalidADTS
	}
	h := Header{HeaderLen: 7}
	if b[1]&0x01 == 0 {
		h.HeaderLen = 9
	}
	h.Profile = int(b[2] >> 6)
	h.SampleRateIndex = int(b[2]>>2) & 0x0F
	if h.SampleRateIndex >= len(sampleRates) {
		return Header{}, ErrInvalidADTS
	}
	h.SampleRate = sampleRates[h.SampleRateIndex]
	h.Channels = int(b[2]&0x01)<<2 | int(b[3]>>6)
	h.FrameLen = int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5)
	if h.FrameLen < h.HeaderLen {
		return Header{}, ErrInvalidADTS
	}
	return h, nil
}

// ParseADTS splits an ADTS byte stream into frames. Bytes before a sync
// word are skipped; a truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0

	for len(data)-offset >= 7 {
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			continue
		}

		h, err := ParseHeader(data[offset:])
		if err != nil {
			return frames, err
		}
		if offset+h.FrameLen > len(data) {
			break
		}

		frame := data[offset : offset+h.FrameLen]
		frames = append(frames, Frame{
			Header:  h,
			Data:    frame,
			Payload: frame[h.HeaderLen:],
		})
		offset += h.FrameLen
	}

	return frames, nil
}

// AppendADTS appends a CRC-less ADTS header announcing an n-byte payload.
// The caller appends the payload.
func AppendADTS(dst []byte, profile, rateIndex, channels, n int) []byte {
	frameLen := 7 + n
	return append(dst,
		0xFF,
		0xF1,
		byte(profile<<6)|byte(rateIndex<<2)|byte(channels>>2),
		byte(channels&0x03)<<6|byte(frameLen>>11)&0x03,
		byte(frameLen>>3),
		byte(frameLen&0x07)<<5|0x1F,
		0xFC,
	)
}
