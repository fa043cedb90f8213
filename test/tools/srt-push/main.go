// Command srt-push publishes an MPEG-TS file to an SRT listener, such as
// the kvsaudio gateway, at the file's own audio rate.
//
//	srt-push -addr 127.0.0.1:6000 -key doorbell capture.ts
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/kvsaudio/internal/demux"
	"github.com/zsiec/kvsaudio/internal/media"
	"github.com/zsiec/kvsaudio/internal/mpegts"
)

const chunkSize = 7 * mpegts.PacketSize

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	key := flag.String("key", "", "stream id (default: file name without extension)")
	duration := flag.Duration("duration", 0, "playback length (default: measured from the audio)")
	count := flag.Int("count", 1, "times to push the file, reconnecting in between")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: srt-push [-addr host:port] [-key id] file.ts")
		os.Exit(2)
	}
	path := flag.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, path, *addr, streamID(*key, path), *duration, *count); err != nil {
		slog.Error("srt-push failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path, addr, id string, override time.Duration, count int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data)%mpegts.PacketSize != 0 {
		slog.Warn("file size is not a multiple of the packet size", "size", len(data))
	}

	measured, err := audioDuration(ctx, data)
	if err != nil {
		return err
	}
	d := selectDuration(override, measured)
	rate := float64(len(data)) / d.Seconds()
	slog.Info("pushing", "file", path, "stream_id", id, "duration", d, "bytes_per_sec", int(rate))

	for i := 0; i < count && ctx.Err() == nil; i++ {
		cfg := srt.DefaultConfig()
		cfg.StreamID = id
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		err = push(ctx, conn, data, rate)
		conn.Close()
		if err != nil {
			return err
		}
		slog.Info("file pushed", "pass", i+1)
	}
	return nil
}

// streamID returns key, or the file's base name without extension.
func streamID(key, path string) string {
	if key != "" {
		return key
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// audioDuration measures the span of the AAC audio in data.
func audioDuration(ctx context.Context, data []byte) (time.Duration, error) {
	d := demux.NewDemuxer(bytes.NewReader(data), slog.Default())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var end int64
	for f := range d.Audio() {
		end = max(end, f.PTS+f.Duration)
	}
	if err := <-done; err != nil {
		return 0, err
	}
	return time.Duration(end) * media.TimeUnit, nil
}

// selectDuration prefers an explicit override, then the measured audio
// length, then one minute.
func selectDuration(override, measured time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case measured > 0:
		return measured
	default:
		return time.Minute
	}
}

// push writes data in chunks, sleeping so the average rate is
// bytesPerSec.
func push(ctx context.Context, w interface{ Write([]byte) (int, error) }, data []byte, bytesPerSec float64) error {
	start := time.Now()
	var sent int
	for sent < len(data) {
		end := min(sent+chunkSize, len(data))
		if _, err := w.Write(data[sent:end]); err != nil {
			return err
		}
		sent = end

		due := start.Add(time.Duration(float64(sent) / bytesPerSec * float64(time.Second)))
		if wait := time.Until(due); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
