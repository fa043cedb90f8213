package mkv

import (
	"bytes"
	"fmt"

	"github.com/at-wat/ebml-go"
)

const (
	// timecodeScale is nanoseconds per timecode tick: all block and
	// cluster timecodes are in milliseconds.
	timecodeScale = 1_000_000

	trackNumber    = 1
	trackTypeAudio = 2

	defaultAppName = "kvsaudio"
)

// The element layout below is marshalled with ebml-go struct tags. Field
// order is write order.

type container struct {
	Header  ebmlHeader `ebml:"EBML"`
	Segment segment    `ebml:",size=unknown"`
}

type ebmlHeader struct {
	EBMLVersion            uint64
	EBMLReadVersion        uint64
	EBMLMaxIDLength        uint64
	EBMLMaxSizeLength      uint64
	EBMLDocType            string
	EBMLDocTypeVersion     uint64
	EBMLDocTypeReadVersion uint64
}

// segment carries only the session preamble; Clusters follow it in the
// stream as siblings of Info and Tracks.
type segment struct {
	Info   info
	Tracks tracks
}

type info struct {
	TimecodeScale uint64
	MuxingApp     string
	WritingApp    string
}

type tracks struct {
	TrackEntry []trackEntry
}

type trackEntry struct {
	TrackNumber  uint64
	TrackUID     uint64
	TrackType    uint64
	CodecID      string
	Audio        audio
	CodecPrivate []byte `ebml:",omitempty"`
}

type audio struct {
	SamplingFrequency float64
	Channels          uint64
	BitDepth          uint64 `ebml:",omitempty"`
}

// matroskaHeader declares a Matroska v4 document.
var matroskaHeader = ebmlHeader{
	EBMLVersion:            1,
	EBMLReadVersion:        1,
	EBMLMaxIDLength:        4,
	EBMLMaxSizeLength:      8,
	EBMLDocType:            "matroska",
	EBMLDocTypeVersion:     4,
	EBMLDocTypeReadVersion: 2,
}

// Header returns the session preamble: EBML header, an unknown-size Segment,
// Segment Info and the Tracks element for track.
func Header(track TrackInfo, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	c := container{
		Header: matroskaHeader,
		Segment: segment{
			Info: info{
				TimecodeScale: timecodeScale,
				MuxingApp:     opts.MuxingApp,
				WritingApp:    opts.WritingApp,
			},
			Tracks: tracks{TrackEntry: []trackEntry{{
				TrackNumber: trackNumber,
				TrackUID:    track.TrackID,
				TrackType:   trackTypeAudio,
				CodecID:     track.CodecID,
				Audio: audio{
					SamplingFrequency: track.SamplingFrequency,
					Channels:          track.Channels,
					BitDepth:          track.BitDepth,
				},
				CodecPrivate: track.CodecPrivate,
			}}},
		},
	}

	var buf bytes.Buffer
	buf.Grow(128 + len(track.CodecPrivate))
	if err := ebml.Marshal(&c, &buf); err != nil {
		return nil, fmt.Errorf("mkv: marshal header: %w", err)
	}
	return buf.Bytes(), nil
}
