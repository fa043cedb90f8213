// Package pipeline runs one live audio stream into PutMedia: frames from a
// source are queued, paced, muxed into Matroska and delivered to whichever
// PutMedia connection is current, reconnecting when it drops.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/kvsaudio/internal/media"
	"github.com/zsiec/kvsaudio/internal/mkv"
	"github.com/zsiec/kvsaudio/internal/observe"
	"github.com/zsiec/kvsaudio/internal/putmedia"
	"github.com/zsiec/kvsaudio/internal/queue"
	"github.com/zsiec/kvsaudio/internal/retry"
)

// Streamer is the subset of putmedia.Client the pipeline uses. Accepting an
// interface lets tests substitute an in-memory transport.
type Streamer interface {
	Stream(ctx context.Context, body <-chan []byte, d *putmedia.Dispatcher) error
}

// Defaults applied by New.
const (
	DefaultOfferTimeout = time.Second
	DefaultPollTimeout  = 5 * time.Second
	DefaultSendInterval = 100 * time.Millisecond
	DefaultSendTimeout  = 2 * time.Second

	sessionBuffer = 8
	eventBuffer   = 64
)

var (
	errNoSession     = errors.New("pipeline: no open session")
	errSessionClosed = errors.New("pipeline: session closed")
	errSendTimeout   = errors.New("pipeline: session did not accept data in time")

	// ErrSessionLostAfterEnd is returned when the connection drops after the
	// source ended and the last bytes were handed over, so there is nothing
	// left to resend on a new connection.
	ErrSessionLostAfterEnd = errors.New("pipeline: connection lost after the stream ended")

	// ErrEndedWhileLost is returned when the final session closes without a
	// single acknowledgement after an earlier session failed, so delivery of
	// the tail of the stream was never confirmed.
	ErrEndedWhileLost = errors.New("pipeline: stream ended without restoring the connection")
)

// Config is the immutable configuration of a Pipeline. Zero values select
// the defaults.
type Config struct {
	StreamName string

	QueueCapacity int
	OfferTimeout  time.Duration
	PollTimeout   time.Duration

	// SendInterval is the minimum spacing between frames handed to the
	// muxer. A negative value disables pacing.
	SendInterval time.Duration

	// SendTimeout bounds each delivery attempt of a chunk to the current
	// session, including waiting for a session to be opened.
	SendTimeout time.Duration

	SendRetry retry.Policy
	Reconnect retry.Policy

	Muxer mkv.Options
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = queue.DefaultCapacity
	}
	if c.OfferTimeout <= 0 {
		c.OfferTimeout = DefaultOfferTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.SendInterval == 0 {
		c.SendInterval = DefaultSendInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendRetry.MaxAttempts == 0 {
		c.SendRetry = retry.DefaultSend
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect = retry.DefaultReconnect
	}
	return c
}

// Stats is a point-in-time view of a pipeline, served by the gateway's
// status API.
type Stats struct {
	Stream        string `json:"stream"`
	FramesOffered int64  `json:"framesOffered"`
	FramesSent    int64  `json:"framesSent"`
	FramesDropped int64  `json:"framesDropped"`
	BytesSent     int64  `json:"bytesSent"`
	Acks          int64  `json:"acks"`
	ErrorAcks     int64  `json:"errorAcks"`
	Sessions      int64  `json:"sessions"`
	Reconnects    int64  `json:"reconnects"`
	QueueDepth    int    `json:"queueDepth"`
	Connected     bool   `json:"connected"`
	LastAck       string `json:"lastAck,omitempty"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// link is one session's body channel. The sender is the only writer and
// closes body after its last send; done is closed by the connection unit
// when the session ends.
type link struct {
	id   int64
	body chan []byte
	done chan struct{}
}

func (l *link) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Pipeline moves frames from a source to PutMedia sessions.
type Pipeline struct {
	cfg     Config
	client  Streamer
	metrics *observe.Metrics
	log     *slog.Logger
	attrs   metric.MeasurementOption

	q   *queue.Queue
	mux *mkv.Muxer

	// Sender-owned.
	cur      *link
	curFresh bool

	linkMu      sync.Mutex
	link        *link
	linkChanged chan struct{}
	finished    bool
	sendDone    chan struct{}

	startTime     time.Time
	framesOffered atomic.Int64
	framesSent    atomic.Int64
	framesDropped atomic.Int64
	bytesSent     atomic.Int64
	acks          atomic.Int64
	errorAcks     atomic.Int64
	sessions      atomic.Int64
	reconnects    atomic.Int64
	connected     atomic.Bool
	lastAck       atomic.Value
}

// New creates a Pipeline for track that streams through client. If metrics
// is nil, observe.DefaultMetrics() is used; if log is nil, slog.Default().
func New(cfg Config, client Streamer, track mkv.TrackInfo, metrics *observe.Metrics, log *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		client:      client,
		metrics:     metrics,
		log:         log.With("component", "pipeline", "stream", cfg.StreamName),
		attrs:       observe.StreamAttrs(cfg.StreamName),
		q:           queue.New(cfg.QueueCapacity),
		mux:         mkv.NewMuxer(track, cfg.Muxer),
		linkChanged: make(chan struct{}),
		sendDone:    make(chan struct{}),
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	last, _ := p.lastAck.Load().(string)
	var uptime int64
	if !p.startTime.IsZero() {
		uptime = time.Since(p.startTime).Milliseconds()
	}
	return Stats{
		Stream:        p.cfg.StreamName,
		FramesOffered: p.framesOffered.Load(),
		FramesSent:    p.framesSent.Load(),
		FramesDropped: p.framesDropped.Load(),
		BytesSent:     p.bytesSent.Load(),
		Acks:          p.acks.Load(),
		ErrorAcks:     p.errorAcks.Load(),
		Sessions:      p.sessions.Load(),
		Reconnects:    p.reconnects.Load(),
		QueueDepth:    p.q.Len(),
		Connected:     p.connected.Load(),
		LastAck:       last,
		UptimeMs:      uptime,
	}
}

// Run streams frames until the source closes and every queued frame has
// been sent, the connection cannot be re-established, or ctx is cancelled.
// Session events are forwarded to events, which may be nil; a non-nil
// channel must be drained by the caller.
//
// Run returns nil after a clean end or cancellation.
func (p *Pipeline) Run(ctx context.Context, frames <-chan *media.AudioFrame, events chan<- putmedia.Event) error {
	p.startTime = time.Now()
	p.log.Info("pipeline starting",
		"queue", p.cfg.QueueCapacity,
		"send_interval", p.cfg.SendInterval)

	internal := make(chan putmedia.Event, eventBuffer)
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		p.forward(ctx, internal, events)
	}()

	d := putmedia.NewDispatcher(ctx, internal)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(gctx, frames) })
	g.Go(func() error { return p.send(gctx) })
	g.Go(func() error { return p.connect(gctx, d) })
	err := g.Wait()

	close(internal)
	<-fwdDone

	st := p.Stats()
	p.log.Info("pipeline stopped",
		"offered", st.FramesOffered, "sent", st.FramesSent, "dropped", st.FramesDropped,
		"bytes", st.BytesSent, "acks", st.Acks, "reconnects", st.Reconnects, "error", err)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (p *Pipeline) produce(ctx context.Context, frames <-chan *media.AudioFrame) error {
	defer p.q.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				p.log.Info("frame source closed", "queued", p.q.Len())
				return nil
			}
			evicted, err := p.q.Offer(ctx, f, p.cfg.OfferTimeout)
			if err != nil {
				return err
			}
			p.framesOffered.Add(1)
			p.metrics.FramesOffered.Add(ctx, 1, p.attrs)
			if evicted != nil {
				p.framesDropped.Add(1)
				p.metrics.RecordDrop(ctx, p.cfg.StreamName, observe.DropQueueFull)
				p.log.Warn("queue full, dropped oldest frame",
					"index", evicted.Index, "pts_ms", evicted.Millis())
			}
			p.metrics.QueueDepth.Record(ctx, int64(p.q.Len()), p.attrs)
		}
	}
}

// chunk is one muxer output. hasHeader is set when it starts with the
// session header.
type chunk struct {
	data      []byte
	hasHeader bool
	frames    int
}

func (p *Pipeline) send(ctx context.Context) error {
	defer close(p.sendDone)

	var last time.Time
	for {
		f, err := p.q.Poll(ctx, p.cfg.PollTimeout)
		switch {
		case errors.Is(err, queue.ErrTimeout):
			p.log.Debug("no frames", "waited", p.cfg.PollTimeout)
			continue
		case errors.Is(err, queue.ErrClosed):
			return p.finish(ctx)
		case err != nil:
			return err
		}

		if p.cfg.SendInterval > 0 && !last.IsZero() {
			if wait := p.cfg.SendInterval - time.Since(last); wait > 0 {
				if err := sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
		last = time.Now()

		// A new session starts a new Matroska stream.
		if l := p.currentLink(); l != nil && l != p.cur && p.cur != nil && p.mux.Pending() == 0 {
			p.adopt(l)
			p.mux.Reset()
		}

		hadHeader := p.mux.HeaderWritten()
		pending := p.mux.Pending()
		out, err := p.mux.Add(f)
		if err != nil {
			p.framesDropped.Add(1)
			p.metrics.RecordDrop(ctx, p.cfg.StreamName, observe.DropEncode)
			p.log.Warn("frame rejected by muxer", "index", f.Index, "error", err)
			continue
		}
		if len(out) == 0 {
			continue
		}
		c := chunk{data: out, hasHeader: !hadHeader, frames: pending + 1 - p.mux.Pending()}
		if err := p.deliver(ctx, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.dropChunk(ctx, c, err)
		}
	}
}

// finish flushes the muxer and ends the current session's body, which
// makes the transport send the terminal chunk.
func (p *Pipeline) finish(ctx context.Context) error {
	hadHeader := p.mux.HeaderWritten()
	pending := p.mux.Pending()
	out, err := p.mux.Flush()
	if err != nil {
		p.log.Warn("flush failed", "error", err)
	}
	if len(out) > 0 {
		c := chunk{data: out, hasHeader: !hadHeader, frames: pending}
		if err := p.deliver(ctx, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.dropChunk(ctx, c, err)
		}
	}

	p.linkMu.Lock()
	p.finished = true
	if p.link != nil && !p.link.closed() {
		close(p.link.body)
	}
	p.linkMu.Unlock()
	p.log.Info("queue drained, ending stream")
	return nil
}

func (p *Pipeline) dropChunk(ctx context.Context, c chunk, err error) {
	p.framesDropped.Add(int64(c.frames))
	for range c.frames {
		p.metrics.RecordDrop(ctx, p.cfg.StreamName, observe.DropSendRetry)
	}
	p.log.Warn("send retries exhausted, dropped frames", "frames", c.frames, "bytes", len(c.data), "error", err)
}

// deliver hands c to the current session, retrying with the send policy
// while sessions come and go.
func (p *Pipeline) deliver(ctx context.Context, c chunk) error {
	start := time.Now()
	err := retry.Do(ctx, p.cfg.SendRetry, func(attempt int) error {
		timer := time.NewTimer(p.cfg.SendTimeout)
		defer timer.Stop()

		l, err := p.awaitLink(ctx, timer.C)
		if err != nil {
			return err
		}
		if l != p.cur {
			p.adopt(l)
		}

		data := c.data
		if p.curFresh && !c.hasHeader {
			hdr, err := p.mux.Header()
			if err != nil {
				return retry.Permanent(err)
			}
			data = append(append(make([]byte, 0, len(hdr)+len(data)), hdr...), data...)
		}

		select {
		case l.body <- data:
			p.curFresh = false
			p.bytesSent.Add(int64(len(data)))
			return nil
		case <-l.done:
			return errSessionClosed
		case <-timer.C:
			return errSendTimeout
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		}
	})
	if err == nil {
		p.framesSent.Add(int64(c.frames))
		p.metrics.RecordSend(ctx, p.cfg.StreamName, c.frames, len(c.data), time.Since(start).Seconds())
	}
	return err
}

func (p *Pipeline) adopt(l *link) {
	if p.cur != nil {
		p.log.Debug("switching session", "from", p.cur.id, "to", l.id)
	}
	p.cur = l
	p.curFresh = true
}

func (p *Pipeline) currentLink() *link {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()
	if p.link == nil || p.link.closed() {
		return nil
	}
	return p.link
}

// awaitLink returns the open session, waiting for one until timeout fires.
func (p *Pipeline) awaitLink(ctx context.Context, timeout <-chan time.Time) (*link, error) {
	for {
		p.linkMu.Lock()
		l, changed := p.link, p.linkChanged
		p.linkMu.Unlock()
		if l != nil && !l.closed() {
			return l, nil
		}

		var done <-chan struct{}
		if l != nil {
			done = l.done
		}
		select {
		case <-changed:
		case <-done:
		case <-timeout:
			return nil, errNoSession
		case <-ctx.Done():
			return nil, retry.Permanent(ctx.Err())
		}
	}
}

func (p *Pipeline) publish(l *link) {
	p.linkMu.Lock()
	defer p.linkMu.Unlock()
	p.link = l
	if p.finished {
		close(l.body)
	}
	close(p.linkChanged)
	p.linkChanged = make(chan struct{})
}

func (p *Pipeline) senderFinished() bool {
	select {
	case <-p.sendDone:
		return true
	default:
		return false
	}
}

// connect runs PutMedia sessions until one completes cleanly. Consecutive
// failures are retried with the reconnect policy; a session that received
// acknowledgements resets the count.
func (p *Pipeline) connect(ctx context.Context, d *putmedia.Dispatcher) error {
	for round := 0; ; round++ {
		completed := false
		err := retry.Do(ctx, p.cfg.Reconnect, func(attempt int) error {
			if round > 0 || attempt > 1 {
				p.reconnects.Add(1)
				p.metrics.Reconnects.Add(ctx, 1, p.attrs)
				p.log.Info("reconnecting", "attempt", attempt)
			}
			before := d.Acks()
			err := p.session(ctx, d)
			switch {
			case err == nil && d.Lost():
				return retry.Permanent(ErrEndedWhileLost)
			case err == nil:
				completed = true
				return nil
			case ctx.Err() != nil:
				return retry.Permanent(ctx.Err())
			case errors.Is(err, putmedia.ErrSign):
				return retry.Permanent(err)
			case p.senderFinished():
				return retry.Permanent(fmt.Errorf("%w: %w", ErrSessionLostAfterEnd, err))
			case d.Acks() > before:
				p.log.Warn("session dropped after progress", "acks", d.Acks()-before, "error", err)
				return nil
			}
			p.log.Warn("session failed", "attempt", attempt, "error", err)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("giving up on stream", "error", err)
			d.OnTerminalError(err)
			return err
		}
		if completed {
			return nil
		}
	}
}

func (p *Pipeline) session(ctx context.Context, d *putmedia.Dispatcher) error {
	l := &link{
		id:   p.sessions.Add(1),
		body: make(chan []byte, sessionBuffer),
		done: make(chan struct{}),
	}
	p.publish(l)
	p.connected.Store(true)
	p.metrics.ActiveSessions.Add(ctx, 1, p.attrs)
	defer func() {
		close(l.done)
		p.connected.Store(false)
		p.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1, p.attrs)
	}()
	return p.client.Stream(ctx, l.body, d)
}

// forward records and logs every session event, then passes it on.
func (p *Pipeline) forward(ctx context.Context, in <-chan putmedia.Event, out chan<- putmedia.Event) {
	for ev := range in {
		switch ev.Kind {
		case putmedia.EventAck:
			p.acks.Add(1)
			p.lastAck.Store(string(ev.Ack.EventType))
			p.metrics.RecordAck(ctx, p.cfg.StreamName, string(ev.Ack.EventType), ev.Ack.IsError())
			p.log.Debug("ack",
				"type", ev.Ack.EventType,
				"fragment", ev.Ack.FragmentNumber,
				"timecode", ev.Ack.FragmentTimecode,
				"error_id", ev.Ack.ErrorID)
		case putmedia.EventErrorAck:
			p.errorAcks.Add(1)
			p.log.Warn("fragment rejected",
				"fragment", ev.Ack.FragmentNumber,
				"timecode", ev.Ack.FragmentTimecode,
				"error_id", ev.Ack.ErrorID,
				"error_code", ev.Ack.ErrorCode)
		case putmedia.EventConnectionLost:
			p.log.Warn("connection lost", "error", ev.Err)
		case putmedia.EventConnectionRestored:
			p.log.Info("connection restored")
		case putmedia.EventStreamingComplete:
			p.log.Info("streaming complete")
		case putmedia.EventStreamingError:
			p.log.Warn("streaming error", "error", ev.Err)
		}
		if out == nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
