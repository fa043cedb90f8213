package mkv

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/at-wat/ebml-go"

	"github.com/zsiec/kvsaudio/internal/media"
)

// DefaultFramesPerCluster batches ten 100ms frames, one second of audio, per
// cluster.
const DefaultFramesPerCluster = 10

// ErrNonMonotonic is returned when a frame would place a cluster or block
// before the current cluster base.
var ErrNonMonotonic = errors.New("mkv: timestamp moves backwards")

// ErrNegativeTimestamp is returned for frames stamped before zero.
var ErrNegativeTimestamp = errors.New("mkv: negative timestamp")

// TimecodeError describes a frame that could not be placed in a cluster.
type TimecodeError struct {
	Index     uint64
	Timestamp int64 // ms
	Base      int64 // ms
	Err       error
}

func (e *TimecodeError) Error() string {
	return fmt.Sprintf("mkv: frame %d at %dms (cluster base %dms): %v", e.Index, e.Timestamp, e.Base, e.Err)
}

func (e *TimecodeError) Unwrap() error {
	return e.Err
}

// Options tunes the muxer. Zero values select defaults.
type Options struct {
	FramesPerCluster int
	MuxingApp        string
	WritingApp       string

	// TimecodeOffset is added to every cluster timecode, in ms. Sessions
	// with absolute fragment timecodes set it to the producer start time
	// in epoch ms so frames can be stamped from zero.
	TimecodeOffset int64
}

func (o Options) withDefaults() Options {
	if o.FramesPerCluster <= 0 {
		o.FramesPerCluster = DefaultFramesPerCluster
	}
	if o.MuxingApp == "" {
		o.MuxingApp = defaultAppName
	}
	if o.WritingApp == "" {
		o.WritingApp = defaultAppName
	}
	return o
}

// Muxer turns AudioFrames into a Matroska byte stream. It is not safe for
// concurrent use; the pipeline's sender goroutine is its only caller.
type Muxer struct {
	track TrackInfo
	opts  Options

	header        []byte
	headerWritten bool

	pending      []*media.AudioFrame
	clusterStart int64 // ms, base of the pending batch
	lastCluster  int64 // ms, base of the last emitted cluster
	emitted      bool
}

// NewMuxer returns a Muxer for track. The header is built lazily on the
// first output.
func NewMuxer(track TrackInfo, opts Options) *Muxer {
	opts = opts.withDefaults()
	return &Muxer{
		track:   track,
		opts:    opts,
		pending: make([]*media.AudioFrame, 0, opts.FramesPerCluster),
	}
}

// Add buffers f and returns the bytes that became ready: nothing while the
// batch is filling, otherwise a complete cluster, preceded by the header if
// this is the first output of the session.
func (m *Muxer) Add(f *media.AudioFrame) ([]byte, error) {
	ts := f.Millis()
	if ts < 0 {
		return nil, &TimecodeError{Index: f.Index, Timestamp: ts, Base: m.clusterStart, Err: ErrNegativeTimestamp}
	}

	if len(m.pending) == 0 {
		if m.emitted && ts < m.lastCluster {
			return nil, &TimecodeError{Index: f.Index, Timestamp: ts, Base: m.lastCluster, Err: ErrNonMonotonic}
		}
		m.clusterStart = ts
		m.pending = append(m.pending, f)
		return m.maybeEmit()
	}

	rel := ts - m.clusterStart
	if rel < 0 {
		return nil, &TimecodeError{Index: f.Index, Timestamp: ts, Base: m.clusterStart, Err: ErrNonMonotonic}
	}

	var out []byte
	if rel > math.MaxInt16 {
		// The block timecode field is 16 bits; close the batch early.
		var err error
		out, err = m.emit()
		if err != nil {
			return nil, err
		}
		m.clusterStart = ts
	}
	m.pending = append(m.pending, f)

	more, err := m.maybeEmit()
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

// Flush emits the pending partial cluster. It returns nil when nothing is
// pending, so calling it twice in a row is harmless.
func (m *Muxer) Flush() ([]byte, error) {
	if len(m.pending) == 0 {
		return nil, nil
	}
	return m.emit()
}

// Reset forgets that the header was written, so the next output starts a
// fresh Matroska stream. Pending frames are kept. Called when a new
// connection replaces a lost one.
func (m *Muxer) Reset() {
	m.headerWritten = false
}

// Header returns the bytes that open every session: EBML header, Segment,
// Info and Tracks. The slice is shared and must not be modified.
func (m *Muxer) Header() ([]byte, error) {
	if m.header == nil {
		h, err := Header(m.track, m.opts)
		if err != nil {
			return nil, err
		}
		m.header = h
	}
	return m.header, nil
}

// Pending returns the number of buffered frames.
func (m *Muxer) Pending() int {
	return len(m.pending)
}

// HeaderWritten reports whether the current stream has emitted its header.
func (m *Muxer) HeaderWritten() bool {
	return m.headerWritten
}

func (m *Muxer) maybeEmit() ([]byte, error) {
	if len(m.pending) < m.opts.FramesPerCluster {
		return nil, nil
	}
	return m.emit()
}

func (m *Muxer) emit() ([]byte, error) {
	var out []byte
	if !m.headerWritten {
		h, err := m.Header()
		if err != nil {
			return nil, err
		}
		out = append(out, h...)
	}

	out, err := m.appendCluster(out)
	if err != nil {
		return nil, err
	}

	m.headerWritten = true
	m.lastCluster = m.clusterStart
	m.emitted = true
	m.pending = m.pending[:0]
	return out, nil
}

// cluster is one streamed Cluster. Its size is unknown so a receiver can
// start on it before the next Cluster begins.
type cluster struct {
	Timecode    uint64
	SimpleBlock []ebml.Block
}

type clusterElement struct {
	Cluster cluster `ebml:",size=unknown"`
}

func (m *Muxer) appendCluster(out []byte) ([]byte, error) {
	c := clusterElement{Cluster: cluster{
		Timecode:    uint64(m.clusterStart + m.opts.TimecodeOffset),
		SimpleBlock: make([]ebml.Block, 0, len(m.pending)),
	}}
	for _, f := range m.pending {
		c.Cluster.SimpleBlock = append(c.Cluster.SimpleBlock, ebml.Block{
			TrackNumber: trackNumber,
			Timecode:    int16(f.Millis() - m.clusterStart),
			Keyframe:    true,
			Data:        [][]byte{f.Data},
		})
	}

	buf := bytes.NewBuffer(out)
	if err := ebml.Marshal(&c, buf); err != nil {
		return nil, fmt.Errorf("mkv: marshal cluster at %dms: %w", m.clusterStart, err)
	}
	return buf.Bytes(), nil
}
