package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zsiec/kvsaudio/internal/media"
)

// DefaultAmplitude is the tone level relative to full scale.
const DefaultAmplitude = 0.5

// Tone generates a continuous sine wave as fixed-length frames. Frame n is
// stamped n*FrameDuration; the phase runs on across frames.
type Tone struct {
	format    Format
	frameDur  time.Duration
	hz        float64
	amplitude float64
	samples   int64 // per channel per frame

	sample int64
	index  uint64
}

// NewTone returns a Tone of hz in format f, cut into frames of frameDur.
func NewTone(f Format, frameDur time.Duration, hz float64) (*Tone, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	n := f.SamplesInDuration(frameDur)
	if n <= 0 {
		return nil, fmt.Errorf("source: frame duration %s holds no samples at %d Hz", frameDur, f.SampleRate)
	}
	if hz <= 0 || hz >= float64(f.SampleRate)/2 {
		return nil, fmt.Errorf("source: tone %.1f Hz outside (0, %d)", hz, f.SampleRate/2)
	}
	return &Tone{
		format:    f,
		frameDur:  frameDur,
		hz:        hz,
		amplitude: DefaultAmplitude,
		samples:   n,
	}, nil
}

// Format returns the output format.
func (t *Tone) Format() Format {
	return t.format
}

// Next returns the next frame.
func (t *Tone) Next() *media.AudioFrame {
	f := t.format
	data := make([]byte, 0, f.BytesInDuration(t.frameDur))
	step := 2 * math.Pi * t.hz / float64(f.SampleRate)

	for i := int64(0); i < t.samples; i++ {
		v := t.amplitude * math.Sin(step*float64(t.sample))
		t.sample++
		for range f.Channels {
			data = appendSample(data, f, v)
		}
	}

	pts := int64(t.index) * media.FromDuration(t.frameDur)
	frame := &media.AudioFrame{
		Index:    t.index,
		KeyFrame: true,
		PTS:      pts,
		DTS:      pts,
		Duration: media.FromDuration(t.frameDur),
		Data:     data,
	}
	t.index++
	return frame
}

// appendSample encodes v in [-1, 1].
func appendSample(dst []byte, f Format, v float64) []byte {
	switch f.Codec {
	case CodecALaw:
		return append(dst, ALaw(int16(v*math.MaxInt16)))
	case CodecMuLaw:
		return append(dst, MuLaw(int16(v*math.MaxInt16)))
	}
	switch f.BitDepth {
	case 8:
		// 8-bit PCM is unsigned with a 128 midpoint.
		return append(dst, byte(int(v*127)+128))
	case 16:
		return binary.LittleEndian.AppendUint16(dst, uint16(int16(v*math.MaxInt16)))
	case 24:
		s := int32(v * (1<<23 - 1))
		return append(dst, byte(s), byte(s>>8), byte(s>>16))
	default:
		return binary.LittleEndian.AppendUint32(dst, uint32(int32(v*math.MaxInt32)))
	}
}

// Run sends frames to out until count frames were sent (count <= 0 means
// forever) or ctx is done, then closes out. With realtime set, frame n is
// released no earlier than n*FrameDuration after the first.
func (t *Tone) Run(ctx context.Context, out chan<- *media.AudioFrame, count int, realtime bool) error {
	defer close(out)

	start := time.Now()
	for n := 0; count <= 0 || n < count; n++ {
		if realtime {
			if err := sleepUntil(ctx, start.Add(time.Duration(n)*t.frameDur)); err != nil {
				return err
			}
		}
		select {
		case out <- t.Next():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
