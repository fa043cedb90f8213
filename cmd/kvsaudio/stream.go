package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/kvsaudio/internal/config"
	"github.com/zsiec/kvsaudio/internal/demux"
	"github.com/zsiec/kvsaudio/internal/media"
	"github.com/zsiec/kvsaudio/internal/mkv"
	"github.com/zsiec/kvsaudio/internal/observe"
	"github.com/zsiec/kvsaudio/internal/pipeline"
	"github.com/zsiec/kvsaudio/internal/putmedia"
	"github.com/zsiec/kvsaudio/internal/source"
)

type streamFlags struct {
	name         string
	region       string
	endpoint     string
	codec        string
	sampleRate   int
	channels     int
	bitDepth     int
	timecodeType string
	toneHz       float64
	input        string
	mkvFile      string
	language     string
	count        int
	noRealtime   bool
	metricsAddr  string
}

func newStreamCmd(a *app) *cobra.Command {
	var f streamFlags
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream a tone, an MPEG-TS file or a Matroska file into a KVS stream",
		Long: `Stream audio to one Kinesis Video Streams stream until the source ends
or the process is interrupted.

Without --input a sine tone is synthesized in the configured format
(pcm, alaw or mulaw). With --input, AAC audio is read from an MPEG-TS
file ("-" for stdin) and paced by its timestamps. With --mkv, an existing
Matroska file is uploaded as is in one PutMedia session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.applyStreamFlags(cmd, &f)
			if err := a.validate(); err != nil {
				return err
			}
			if err := a.cfg.RequireStream(); err != nil {
				return err
			}
			if f.mkvFile != "" {
				if f.input != "" {
					return errors.New("--mkv and --input are mutually exclusive")
				}
				return a.uploadFile(cmd.Context(), f.mkvFile)
			}
			return a.runStream(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.name, "stream", "s", "", "KVS stream name or ARN")
	fl.StringVar(&f.region, "region", "", "AWS region")
	fl.StringVar(&f.endpoint, "endpoint", "", "PutMedia data endpoint (skips discovery)")
	fl.StringVar(&f.codec, "codec", "", "synthetic codec: pcm, alaw, mulaw")
	fl.IntVar(&f.sampleRate, "sample-rate", 0, "sample rate in Hz")
	fl.IntVar(&f.channels, "channels", 0, "channel count")
	fl.IntVar(&f.bitDepth, "bit-depth", 0, "PCM bit depth: 8, 16, 24, 32")
	fl.StringVar(&f.timecodeType, "timecode-type", "", "ABSOLUTE or RELATIVE")
	fl.Float64Var(&f.toneHz, "tone-hz", 0, "tone frequency in Hz")
	fl.StringVarP(&f.input, "input", "i", "", `MPEG-TS file with AAC audio, "-" for stdin`)
	fl.StringVar(&f.mkvFile, "mkv", "", "Matroska file to upload unchanged")
	fl.StringVar(&f.language, "audio-lang", "", "preferred audio language in the input")
	fl.IntVar(&f.count, "count", 0, "stop after this many tone frames (0 = until interrupted)")
	fl.BoolVar(&f.noRealtime, "no-realtime", false, "produce tone frames as fast as they are accepted")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func (a *app) applyStreamFlags(cmd *cobra.Command, f *streamFlags) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("stream", &a.cfg.Stream.Name, f.name)
	set("region", &a.cfg.AWS.Region, f.region)
	set("endpoint", &a.cfg.AWS.Endpoint, f.endpoint)
	set("codec", &a.cfg.Stream.Codec, f.codec)
	set("timecode-type", &a.cfg.Stream.TimecodeType, f.timecodeType)
	if f.sampleRate > 0 {
		a.cfg.Stream.SampleRate = f.sampleRate
	}
	if f.channels > 0 {
		a.cfg.Stream.Channels = f.channels
	}
	if f.bitDepth > 0 {
		a.cfg.Stream.BitDepth = f.bitDepth
	}
	if f.toneHz > 0 {
		a.cfg.Stream.ToneHz = f.toneHz
	}
	if f.input != "" {
		a.cfg.Stream.Codec = config.CodecAAC
	}
}

func (a *app) runStream(ctx context.Context, f streamFlags) error {
	mp, err := observe.InitProvider()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer mp.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	fail := func(err error) error {
		cancel()
		g.Wait()
		return err
	}

	stopMetrics := func() {}
	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler()}
		stopMetrics = func() { srv.Close() }
		g.Go(func() error {
			a.log.Info("serving metrics", "addr", f.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		context.AfterFunc(ctx, stopMetrics)
	}

	frames := make(chan *media.AudioFrame, media.FrameBufferSize)
	track, err := a.openSource(ctx, g, f, frames)
	if err != nil {
		return fail(err)
	}

	name := a.cfg.Stream.Name
	start := time.Now()
	client, err := a.newStreamer(ctx, name, start)
	if err != nil {
		return fail(err)
	}
	p := pipeline.New(a.pipelineConfig(name, start), client, track, observe.DefaultMetrics(), a.log)

	events := make(chan putmedia.Event, 64)
	g.Go(func() error {
		a.logEvents(events)
		return nil
	})
	g.Go(func() error {
		defer close(events)
		defer stopMetrics()
		return p.Run(ctx, frames, events)
	})

	err = g.Wait()
	st := p.Stats()
	a.log.Info("stream finished",
		"stream", name,
		"frames", st.FramesSent,
		"dropped", st.FramesDropped,
		"acks", st.Acks,
		"error_acks", st.ErrorAcks,
		"sessions", st.Sessions)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// uploadChunkSize is the read size, and so the HTTP chunk size, of --mkv
// uploads.
const uploadChunkSize = 64 << 10

// uploadFile sends the Matroska file at path through one PutMedia session.
// The file must carry its own EBML header and Segment. Its cluster
// timecodes are taken as they are, so files with relative timecodes need
// --timecode-type RELATIVE.
func (a *app) uploadFile(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	name := a.cfg.Stream.Name
	client, err := a.newStreamer(ctx, name, time.Now())
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	body := make(chan []byte, 4)
	events := make(chan putmedia.Event, 64)
	d := putmedia.NewDispatcher(gctx, events)

	var sent int64
	g.Go(func() error {
		for {
			buf := make([]byte, uploadChunkSize)
			n, err := file.Read(buf)
			if n > 0 {
				select {
				case body <- buf[:n]:
					sent += int64(n)
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if errors.Is(err, io.EOF) {
				// Only a complete read ends the request cleanly.
				close(body)
				return nil
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
		}
	})
	g.Go(func() error {
		a.logEvents(events)
		return nil
	})
	g.Go(func() error {
		defer close(events)
		return client.Stream(gctx, body, d)
	})

	err = g.Wait()
	a.log.Info("upload finished",
		"stream", name,
		"file", path,
		"bytes", sent,
		"acks", d.Acks())
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// openSource starts the frame producer on g and returns the track that
// describes its frames.
func (a *app) openSource(ctx context.Context, g *errgroup.Group, f streamFlags, frames chan<- *media.AudioFrame) (mkv.TrackInfo, error) {
	if f.input == "" {
		tone, err := source.NewTone(a.cfg.Stream.Format(), a.cfg.Stream.FrameDuration, a.cfg.Stream.ToneHz)
		if err != nil {
			return mkv.TrackInfo{}, err
		}
		a.log.Info("synthesizing tone",
			"codec", a.cfg.Stream.Codec,
			"rate", a.cfg.Stream.SampleRate,
			"channels", a.cfg.Stream.Channels,
			"hz", a.cfg.Stream.ToneHz)
		g.Go(func() error { return tone.Run(ctx, frames, f.count, !f.noRealtime) })
		return tone.Format().Track(1), nil
	}

	var r io.ReadCloser = os.Stdin
	if f.input != "-" {
		file, err := os.Open(f.input)
		if err != nil {
			return mkv.TrackInfo{}, err
		}
		r = file
	}

	var opts []demux.Option
	if f.language != "" {
		opts = append(opts, demux.WithLanguage(f.language))
	}
	d := demux.NewDemuxer(r, a.log, opts...)
	demuxDone := make(chan struct{})
	g.Go(func() error {
		defer close(demuxDone)
		defer r.Close()
		return d.Run(ctx)
	})

	timer := time.NewTimer(a.cfg.Gateway.ProbeTimeout)
	defer timer.Stop()
	select {
	case <-d.Ready():
	case <-demuxDone:
	case <-timer.C:
		return mkv.TrackInfo{}, fmt.Errorf("%s: no AAC audio within %s", f.input, a.cfg.Gateway.ProbeTimeout)
	case <-ctx.Done():
		return mkv.TrackInfo{}, ctx.Err()
	}
	format, ok := d.Format()
	if !ok {
		return mkv.TrackInfo{}, fmt.Errorf("%s: no AAC audio found", f.input)
	}
	a.log.Info("audio found",
		"pid", format.PID,
		"rate", format.SampleRate,
		"channels", format.Channels,
		"lang", format.Language)

	g.Go(func() error { return source.Pace(ctx, d.Audio(), frames) })
	return format.Track(1), nil
}

func (a *app) logEvents(events <-chan putmedia.Event) {
	for ev := range events {
		switch ev.Kind {
		case putmedia.EventAck:
			a.log.Debug("ack", "event", ev.Ack.EventType, "fragment", ev.Ack.FragmentNumber)
		case putmedia.EventErrorAck:
			a.log.Warn("error ack", "event", ev.Ack.EventType, "fragment", ev.Ack.FragmentNumber, "code", ev.Ack.ErrorCode, "id", ev.Ack.ErrorID)
		case putmedia.EventConnectionLost, putmedia.EventStreamingError:
			a.log.Warn(ev.Kind.String(), "error", ev.Err)
		default:
			a.log.Info(ev.Kind.String())
		}
	}
}
