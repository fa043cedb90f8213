// Package media defines the audio frame type that flows from frame sources
// through the queue and muxer to the PutMedia transport.
package media

import "time"

// TimeUnit is the resolution of AudioFrame timestamps: 100 nanoseconds.
const TimeUnit = 100 * time.Nanosecond

// unitsPerMilli is the number of TimeUnits in one millisecond.
const unitsPerMilli = int64(time.Millisecond / TimeUnit)

// FrameBufferSize is the channel depth between a frame source and the
// pipeline that consumes it. About 12 seconds of 100ms frames.
const FrameBufferSize = 120

// AudioFrame is one encoded audio access unit. Data is owned by the frame
// after creation and must not be modified by consumers.
type AudioFrame struct {
	Index    uint64
	KeyFrame bool
	DTS      int64 // TimeUnit
	PTS      int64 // TimeUnit
	Duration int64 // TimeUnit
	Data     []byte
}

// Millis returns the presentation timestamp in milliseconds.
func (f *AudioFrame) Millis() int64 {
	return f.PTS / unitsPerMilli
}

// Millis converts a millisecond value into TimeUnits.
func Millis(ms int64) int64 {
	return ms * unitsPerMilli
}

// FromDuration converts d into TimeUnits.
func FromDuration(d time.Duration) int64 {
	return int64(d / TimeUnit)
}
