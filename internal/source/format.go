// Package source produces AudioFrames without an external input: a
// synthetic tone in PCM or G.711, and real-time pacing for sources that
// can produce frames faster than they play.
package source

import (
	"fmt"
	"time"

	"github.com/zsiec/kvsaudio/internal/mkv"
)

// Codec names.
const (
	CodecPCM   = "pcm"
	CodecALaw  = "alaw"
	CodecMuLaw = "mulaw"
)

// Format is an uncompressed or G.711 sample format.
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int // PCM only; G.711 is always 8
}

// Validate checks f for a codec the tone generator can produce.
func (f Format) Validate() error {
	switch f.Codec {
	case CodecPCM:
		switch f.BitDepth {
		case 8, 16, 24, 32:
		default:
			return fmt.Errorf("source: PCM bit depth %d not supported", f.BitDepth)
		}
	case CodecALaw, CodecMuLaw:
	default:
		return fmt.Errorf("source: codec %q not supported", f.Codec)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("source: sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("source: channel count %d", f.Channels)
	}
	return nil
}

// Depth returns the bits per sample.
func (f Format) Depth() int {
	if f.Codec == CodecPCM {
		return f.BitDepth
	}
	return 8
}

// SamplesInDuration returns the per-channel sample count of d.
func (f Format) SamplesInDuration(d time.Duration) int64 {
	return int64(time.Duration(f.SampleRate) * d / time.Second)
}

// BytesInDuration returns the encoded size of d.
func (f Format) BytesInDuration(d time.Duration) int64 {
	return f.SamplesInDuration(d) * int64(f.Channels) * int64(f.Depth()) / 8
}

// Track returns the Matroska track for f.
func (f Format) Track(trackID uint64) mkv.TrackInfo {
	rate, ch := float64(f.SampleRate), uint64(f.Channels)
	switch f.Codec {
	case CodecALaw:
		return mkv.NewALawTrack(trackID, rate, ch)
	case CodecMuLaw:
		return mkv.NewMuLawTrack(trackID, rate, ch)
	}
	return mkv.NewPCMTrack(trackID, rate, ch, uint64(f.BitDepth))
}
