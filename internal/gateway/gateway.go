// Package gateway bridges SRT ingest into Kinesis Video Streams. Every
// ingest key becomes one KVS stream: its MPEG-TS is demuxed to AAC and fed
// through its own PutMedia pipeline. An HTTP API reports the active streams
// and manages SRT pulls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/kvsaudio/internal/demux"
	"github.com/zsiec/kvsaudio/internal/ingest"
	"github.com/zsiec/kvsaudio/internal/ingest/srt"
	"github.com/zsiec/kvsaudio/internal/observe"
	"github.com/zsiec/kvsaudio/internal/pipeline"
	"github.com/zsiec/kvsaudio/internal/stream"
)

// DefaultProbeTimeout bounds the wait for the first audio frame of a new
// ingest stream.
const DefaultProbeTimeout = 10 * time.Second

// maxNameLen is the longest stream name KVS accepts.
const maxNameLen = 256

var (
	ErrNoAudio      = errors.New("gateway: no AAC audio in ingest stream")
	ErrStreamActive = errors.New("gateway: KVS stream already fed by another ingest")
	ErrNoStreamer   = errors.New("gateway: missing streamer factory")
	ErrClosed       = errors.New("gateway: closed")
)

// StreamerFactory returns the PutMedia transport for one KVS stream whose
// producer started at start.
type StreamerFactory func(ctx context.Context, streamName string, start time.Time) (pipeline.Streamer, error)

// Config configures a Gateway.
type Config struct {
	// SRTAddr is the SRT listen address. Empty disables the listener.
	SRTAddr string
	// HTTPAddr serves Handler. Empty disables the HTTP server.
	HTTPAddr string

	// StreamPrefix is prepended to the ingest key to form the KVS stream
	// name.
	StreamPrefix string
	// Language prefers the audio stream tagged with this ISO 639 code.
	Language string

	// Pulls are started when Run begins.
	Pulls []srt.PullRequest

	ProbeTimeout time.Duration

	// Pipeline returns the pipeline configuration for a KVS stream whose
	// producer started at start.
	Pipeline    func(streamName string, start time.Time) pipeline.Config
	NewStreamer StreamerFactory
	Metrics     *observe.Metrics

	// MetricsHandler, when set, is served on /metrics.
	MetricsHandler http.Handler
}

// Gateway owns the ingest registry, the SRT endpoints and one pipeline per
// active ingest stream.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	registry *ingest.Registry
	caller   *srt.Caller
	streams  *stream.Manager

	// ctx bounds every stream handler; Run ties it to its own context.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New validates cfg and returns a Gateway. If log is nil, slog.Default()
// is used.
func New(cfg Config, log *slog.Logger) (*Gateway, error) {
	if cfg.NewStreamer == nil {
		return nil, ErrNoStreamer
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = func(name string, _ time.Time) pipeline.Config {
			return pipeline.Config{StreamName: name}
		}
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		cfg:     cfg,
		log:     log.With("component", "gateway"),
		streams: stream.NewManager(log),
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.registry = ingest.NewRegistry(g.handle)
	g.caller = srt.NewCaller(g.registry, log)
	return g, nil
}

// Registry returns the ingest registry transports feed.
func (g *Gateway) Registry() *ingest.Registry {
	return g.registry
}

// Streams returns the KVS stream tracker.
func (g *Gateway) Streams() *stream.Manager {
	return g.streams
}

// StreamName maps an ingest key to the KVS stream name it feeds. Bytes
// outside [a-zA-Z0-9_.-] become '-'.
func (g *Gateway) StreamName(key string) string {
	return StreamName(g.cfg.StreamPrefix, key)
}

// StreamName joins prefix and key into a valid KVS stream name.
func StreamName(prefix, key string) string {
	name := []byte(prefix + key)
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '.', c == '-':
		default:
			name[i] = '-'
		}
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return string(name)
}

// Run starts the SRT listener, the configured pulls and the HTTP server,
// and blocks until ctx is cancelled or one of them fails. Active streams
// are stopped before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, g.cancel)
	defer stop()
	defer g.Close()

	eg, ctx := errgroup.WithContext(ctx)

	if g.cfg.SRTAddr != "" {
		srv := srt.NewServer(g.cfg.SRTAddr, g.registry, g.log)
		eg.Go(func() error { return srv.Start(ctx) })
	}

	for _, req := range g.cfg.Pulls {
		if err := g.caller.Pull(g.ctx, req); err != nil {
			// A pull target that is down now is not fatal; it can be
			// started again through the API.
			g.log.Warn("pull failed", "address", req.Address, "stream_key", req.StreamKey, "error", err)
		}
	}

	if g.cfg.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:              g.cfg.HTTPAddr,
			Handler:           g.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			g.log.Info("HTTP API listening", "addr", g.cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: http server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return eg.Wait()
}

// Close stops every stream handler and waits for them to return. Streams
// registered afterwards are rejected.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
}

// handle runs one ingest stream into its KVS stream. It is the registry's
// Handler.
func (g *Gateway) handle(in *ingest.Stream) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		in.Abort(ErrClosed)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	name := g.StreamName(in.Key)
	log := g.log.With("stream", name, "ingest_key", in.Key)

	st, ok := g.streams.Create(name, in.Key)
	if !ok {
		in.Abort(fmt.Errorf("%w: %s", ErrStreamActive, name))
		return
	}
	defer g.streams.Remove(name)

	err := g.feed(g.ctx, in, st, log)
	if g.ctx.Err() != nil {
		err = nil
	}
	st.Finish(err)
	if err != nil {
		log.Error("stream failed", "error", err)
		return
	}
	log.Info("stream ended")
}

func (g *Gateway) feed(ctx context.Context, in *ingest.Stream, st *stream.Stream, log *slog.Logger) error {
	var opts []demux.Option
	if g.cfg.Language != "" {
		opts = append(opts, demux.WithLanguage(g.cfg.Language))
	}
	d := demux.NewDemuxer(in.Input(), log, opts...)
	st.AttachDemuxer(d)

	eg, ctx := errgroup.WithContext(ctx)

	// Unblock the demuxer's read once either side gives up.
	stop := context.AfterFunc(ctx, func() { in.Abort(context.Cause(ctx)) })
	defer stop()

	demuxDone := make(chan struct{})
	eg.Go(func() error {
		defer close(demuxDone)
		return d.Run(ctx)
	})
	eg.Go(func() error {
		format, err := probe(ctx, d, demuxDone, g.cfg.ProbeTimeout)
		if err != nil {
			return err
		}
		log.Info("audio format",
			"pid", format.PID, "language", format.Language,
			"sample_rate", format.SampleRate, "channels", format.Channels)

		start := time.Now()
		client, err := g.cfg.NewStreamer(ctx, st.Name, start)
		if err != nil {
			return fmt.Errorf("gateway: open %s: %w", st.Name, err)
		}
		p := pipeline.New(g.cfg.Pipeline(st.Name, start), client, format.Track(1), g.cfg.Metrics, log)
		st.Start(describe(format), p)
		return p.Run(ctx, d.Audio(), nil)
	})
	return eg.Wait()
}

// probe waits until d knows its audio format.
func probe(ctx context.Context, d *demux.Demuxer, demuxDone <-chan struct{}, timeout time.Duration) (demux.Format, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.Ready():
	case <-demuxDone:
		// The input ended; it may still have fixed the format on its way.
		if f, ok := d.Format(); ok {
			return f, nil
		}
		return demux.Format{}, ErrNoAudio
	case <-timer.C:
		return demux.Format{}, fmt.Errorf("%w within %s", ErrNoAudio, timeout)
	case <-ctx.Done():
		return demux.Format{}, ctx.Err()
	}
	f, _ := d.Format()
	return f, nil
}

func describe(f demux.Format) string {
	var b strings.Builder
	fmt.Fprintf(&b, "aac %dHz %dch", f.SampleRate, f.Channels)
	if f.Language != "" {
		fmt.Fprintf(&b, " %s", f.Language)
	}
	return b.String()
}
