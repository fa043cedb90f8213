package srt

import (
	"context"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/kvsaudio/internal/ingest"
)

// Server accepts SRT publishers and registers each one under the key
// derived from its stream id.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer returns a Server for addr. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts publishers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	// A publisher needs a stream id, and only one publisher per key.
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" || s.registry.Active(StreamKey(req.StreamID)) {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		key := StreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", key, "remote", conn.RemoteAddr())
		go s.serve(ctx, conn, key)
	}
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	stream, w, err := s.registry.Register(key, ingest.SourceListener)
	if err != nil {
		s.log.Warn("rejecting publisher", "stream_key", key, "error", err)
		return
	}
	defer s.registry.Unregister(key)
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	// Closing the connection unblocks the read loop on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := ingest.Copy(stream, w, conn, readBufferSize); err != nil && ctx.Err() == nil {
		s.log.Debug("ingest ended", "stream_key", key, "error", err)
	}

	st := stream.Stats()
	s.log.Info("connection closed", "stream_key", key,
		"bytes", st.BytesReceived, "reads", st.Reads, "uptime_ms", st.UptimeMs)
}
