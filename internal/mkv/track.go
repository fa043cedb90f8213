// Package mkv builds the Matroska structures PutMedia expects for a single
// audio track: the EBML header, Segment Info and Tracks once per session,
// followed by unbounded Clusters of SimpleBlocks.
package mkv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec identifiers written to the TrackEntry CodecID element.
const (
	CodecAAC = "A_AAC"
	CodecPCM = "A_PCM/INT/LIT"
	CodecACM = "A_MS/ACM"
)

// WAVEFORMATEX format tags carried in A_MS/ACM codec private data.
const (
	formatTagALaw  uint16 = 0x0006
	formatTagMuLaw uint16 = 0x0007
)

// waveFormatExSize is the length of a WAVEFORMATEX with cbSize = 0.
const waveFormatExSize = 18

// TrackInfo describes the single audio track of a session. It is a value
// type and is not modified after the session starts.
type TrackInfo struct {
	TrackID           uint64
	CodecID           string
	SamplingFrequency float64
	Channels          uint64
	BitDepth          uint64 // omitted from the header when zero
	CodecPrivate      []byte // omitted from the header when empty
}

// NewAACTrack returns an AAC track. codecPrivate is the AudioSpecificConfig.
func NewAACTrack(trackID uint64, sampleRate float64, channels uint64, codecPrivate []byte) TrackInfo {
	return TrackInfo{
		TrackID:           trackID,
		CodecID:           CodecAAC,
		SamplingFrequency: sampleRate,
		Channels:          channels,
		CodecPrivate:      codecPrivate,
	}
}

// NewPCMTrack returns a little-endian signed integer PCM track.
func NewPCMTrack(trackID uint64, sampleRate float64, channels, bitDepth uint64) TrackInfo {
	return TrackInfo{
		TrackID:           trackID,
		CodecID:           CodecPCM,
		SamplingFrequency: sampleRate,
		Channels:          channels,
		BitDepth:          bitDepth,
	}
}

// NewALawTrack returns a G.711 A-law track wrapped as A_MS/ACM.
func NewALawTrack(trackID uint64, sampleRate float64, channels uint64) TrackInfo {
	return newACMTrack(trackID, sampleRate, channels, formatTagALaw)
}

// NewMuLawTrack returns a G.711 mu-law track wrapped as A_MS/ACM.
func NewMuLawTrack(trackID uint64, sampleRate float64, channels uint64) TrackInfo {
	return newACMTrack(trackID, sampleRate, channels, formatTagMuLaw)
}

func newACMTrack(trackID uint64, sampleRate float64, channels uint64, tag uint16) TrackInfo {
	return TrackInfo{
		TrackID:           trackID,
		CodecID:           CodecACM,
		SamplingFrequency: sampleRate,
		Channels:          channels,
		BitDepth:          8,
		CodecPrivate:      waveFormatEx(tag, uint16(channels), uint32(sampleRate)),
	}
}

// waveFormatEx builds an 18-byte little-endian WAVEFORMATEX for 8-bit
// G.711 audio: one byte per sample per channel.
func waveFormatEx(tag, channels uint16, sampleRate uint32) []byte {
	b := make([]byte, 0, waveFormatExSize)
	b = binary.LittleEndian.AppendUint16(b, tag)
	b = binary.LittleEndian.AppendUint16(b, channels)
	b = binary.LittleEndian.AppendUint32(b, sampleRate)
	b = binary.LittleEndian.AppendUint32(b, sampleRate*uint32(channels)) // avg bytes per second
	b = binary.LittleEndian.AppendUint16(b, channels)                    // block align
	b = binary.LittleEndian.AppendUint16(b, 8)                           // bits per sample
	b = binary.LittleEndian.AppendUint16(b, 0)                           // cbSize
	return b
}

// Validate reports obviously unusable track parameters. The muxer itself
// never calls it; sources that build tracks from user input do.
func (t TrackInfo) Validate() error {
	var errs []error
	if t.TrackID == 0 {
		errs = append(errs, errors.New("track id must be non-zero"))
	}
	if t.CodecID == "" {
		errs = append(errs, errors.New("codec id is required"))
	}
	if t.SamplingFrequency <= 0 {
		errs = append(errs, fmt.Errorf("sampling frequency %v must be positive", t.SamplingFrequency))
	}
	if t.Channels == 0 {
		errs = append(errs, errors.New("channel count must be positive"))
	}
	if t.CodecID == CodecPCM && t.BitDepth == 0 {
		errs = append(errs, errors.New("PCM tracks need a bit depth"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("mkv: invalid track: %w", errors.Join(errs...))
	}
	return nil
}
