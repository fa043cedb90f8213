// Package demux turns an MPEG-TS byte stream into AudioFrames for one AAC
// (ADTS) elementary stream. Timestamps are rebased so the first frame sits
// at zero, and 33-bit PTS wraparound is unwrapped.
package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/kvsaudio/internal/aac"
	"github.com/zsiec/kvsaudio/internal/media"
	"github.com/zsiec/kvsaudio/internal/mkv"
	"github.com/zsiec/kvsaudio/internal/mpegts"
)

// ptsWrap is the period of the 33-bit PES clock.
const ptsWrap = int64(1) << 33

// Format describes the selected audio stream. It is fixed by the first ADTS
// frame; later frames that disagree are dropped.
type Format struct {
	PID        uint16
	Language   string
	Profile    int
	SampleRate int
	Channels   int
	Config     []byte // AudioSpecificConfig
}

// Track returns the Matroska track for f.
func (f Format) Track(trackID uint64) mkv.TrackInfo {
	return mkv.NewAACTrack(trackID, float64(f.SampleRate), uint64(f.Channels), f.Config)
}

// Stats counts demuxer progress.
type Stats struct {
	PES       int64        `json:"pes"`
	Frames    int64        `json:"frames"`
	Mismatch  int64        `json:"formatMismatch"`
	BadFrames int64        `json:"badFrames"`
	TS        mpegts.Stats `json:"ts"`
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithLanguage prefers the ADTS stream tagged with the ISO 639 code lang.
// Without a match the first ADTS stream is used.
func WithLanguage(lang string) Option {
	return func(d *Demuxer) { d.lang = lang }
}

// Demuxer reads a transport stream and delivers AAC frames on Audio.
type Demuxer struct {
	log    *slog.Logger
	reader io.Reader
	lang   string
	out    chan *media.AudioFrame
	ready  chan struct{}

	pid atomic.Uint32 // selected PID + 1, zero until the PMT is seen

	mu     sync.Mutex
	format Format
	known  bool

	index   uint64
	first   int64 // 90 kHz, PTS of the first frame
	last    int64 // 90 kHz, unwrapped PTS of the previous PES
	started bool
	next    int64 // TimeUnit, extrapolated PTS of the next frame

	ts        *mpegts.Demuxer
	pes       atomic.Int64
	frames    atomic.Int64
	mismatch  atomic.Int64
	badFrames atomic.Int64
}

// NewDemuxer returns a Demuxer reading from r. If log is nil,
// slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger, opts ...Option) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:    log.With("component", "demux"),
		reader: r,
		out:    make(chan *media.AudioFrame, media.FrameBufferSize),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Audio returns the frame channel. It is closed when Run returns.
func (d *Demuxer) Audio() <-chan *media.AudioFrame {
	return d.out
}

// Ready is closed once the stream format is known.
func (d *Demuxer) Ready() <-chan struct{} {
	return d.ready
}

// Format returns the selected stream's format and whether it is known yet.
func (d *Demuxer) Format() (Format, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format, d.known
}

// Stats returns the running counters.
func (d *Demuxer) Stats() Stats {
	s := Stats{
		PES:       d.pes.Load(),
		Frames:    d.frames.Load(),
		Mismatch:  d.mismatch.Load(),
		BadFrames: d.badFrames.Load(),
	}
	if d.ts != nil {
		s.TS = d.ts.Stats()
	}
	return s
}

// Run demuxes until the reader ends or ctx is cancelled. It returns nil at
// end of stream and closes the Audio channel on return.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.out)

	d.ts = mpegts.NewDemuxer(ctx, d.reader, mpegts.WithPESFilter(func(pid uint16) bool {
		return d.pid.Load() == uint32(pid)+1
	}))

	for {
		u, err := d.ts.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.log.Debug("end of stream", "frames", d.frames.Load())
				return nil
			}
			return err
		}
		switch {
		case u.PMT != nil:
			d.selectStream(u.PMT)
		case u.PES != nil && d.pid.Load() == uint32(u.PID)+1:
			if err := d.handlePES(ctx, u.PES); err != nil {
				return err
			}
		}
	}
}

func (d *Demuxer) selectStream(pmt *mpegts.PMT) {
	if d.pid.Load() != 0 {
		return
	}
	var pick *mpegts.ElementaryStream
	for i := range pmt.Streams {
		es := &pmt.Streams[i]
		if es.Type != mpegts.StreamTypeADTS {
			if mpegts.IsAudio(es.Type) {
				d.log.Info("skipping unsupported audio stream", "pid", es.PID, "codec", mpegts.StreamTypeName(es.Type))
			}
			continue
		}
		if pick == nil || (d.lang != "" && es.Language == d.lang && pick.Language != d.lang) {
			pick = es
		}
	}
	if pick == nil {
		return
	}
	d.pid.Store(uint32(pick.PID) + 1)
	d.mu.Lock()
	d.format.PID = pick.PID
	d.format.Language = pick.Language
	d.mu.Unlock()
	d.log.Info("found audio PID", "pid", pick.PID, "language", pick.Language, "program", pmt.ProgramNumber)
}

func (d *Demuxer) handlePES(ctx context.Context, pes *mpegts.PES) error {
	d.pes.Add(1)
	if len(pes.Data) == 0 {
		return nil
	}

	frames, err := aac.ParseADTS(pes.Data)
	if err != nil {
		d.badFrames.Add(1)
		d.log.Warn("failed to parse ADTS", "error", err, "parsed", len(frames))
	}
	if len(frames) == 0 {
		return nil
	}
	if !d.fix(frames[0].Header) {
		return nil
	}

	pts := d.next
	if pes.HasPTS {
		pts = d.rebase(pes.PTS)
	}
	for _, f := range frames {
		if f.SampleRate != d.format.SampleRate || f.Channels != d.format.Channels {
			d.mismatch.Add(1)
			d.log.Warn("dropping frame with changed format",
				"sampleRate", f.SampleRate, "channels", f.Channels)
			continue
		}
		dur := media.FromDuration(f.Duration())
		frame := &media.AudioFrame{
			Index:    d.index,
			KeyFrame: true,
			PTS:      pts,
			DTS:      pts,
			Duration: dur,
			Data:     f.Payload,
		}
		d.index++
		pts += dur
		d.next = pts

		select {
		case d.out <- frame:
			d.frames.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fix records the stream format from h the first time it is called and
// reports whether frames can be delivered.
func (d *Demuxer) fix(h aac.Header) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.known {
		return true
	}
	if h.SampleRate == 0 || h.Channels == 0 {
		// Channel configuration 0 defers to an in-band PCE, which a
		// Matroska track header cannot carry.
		d.badFrames.Add(1)
		return false
	}
	d.format.Profile = h.Profile
	d.format.SampleRate = h.SampleRate
	d.format.Channels = h.Channels
	d.format.Config = h.AudioSpecificConfig()
	d.known = true
	close(d.ready)
	d.log.Info("audio format", "sampleRate", h.SampleRate, "channels", h.Channels, "profile", h.Profile)
	return true
}

// rebase converts a 90 kHz PTS to TimeUnits since the first frame,
// unwrapping the 33-bit clock.
func (d *Demuxer) rebase(pts int64) int64 {
	if !d.started {
		d.started = true
		d.first = pts
		d.last = pts
		return 0
	}
	// Pick the unwrapped value closest to the previous one.
	base := d.last - d.last%ptsWrap
	cand := base + pts
	switch {
	case cand-d.last > ptsWrap/2:
		cand -= ptsWrap
	case d.last-cand > ptsWrap/2:
		cand += ptsWrap
	}
	d.last = cand

	rel := cand - d.first
	if rel < 0 {
		rel = 0
	}
	// 90 kHz ticks to 100ns units: x * 10_000_000 / 90_000.
	return rel * 1000 / 9
}
