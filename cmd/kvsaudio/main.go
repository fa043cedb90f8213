// Command kvsaudio streams live audio into Kinesis Video Streams over
// PutMedia.
//
// Usage:
//
//	kvsaudio [--config file.yaml] <command> [flags]
//
// Commands:
//
//	stream         stream a synthetic tone or an MPEG-TS file with AAC audio
//	gateway        accept SRT publishers and feed one KVS stream per stream key
//	presign        print a presigned URL for a signaling channel
//	mock-endpoint  run a local PutMedia endpoint that acknowledges clusters
//
// Settings come from the YAML file, then the environment (AWS_REGION,
// KVS_STREAM_NAME, KVS_ENDPOINT, SRT_ADDR, HTTP_ADDR, LOG_LEVEL), then flags.
// DEBUG=1 forces debug logging.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newRootCmd(os.Getenv).ExecuteContext(ctx); err != nil {
		slog.Error("kvsaudio failed", "error", err)
		os.Exit(1)
	}
}
