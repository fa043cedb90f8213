package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/kvsaudio/internal/ingest"
	"github.com/zsiec/kvsaudio/internal/retry"
)

var (
	ErrMissingAddress = errors.New("srt: pull address is required")
	ErrMissingKey     = errors.New("srt: pull stream key is required")
	ErrPullActive     = errors.New("srt: pull already active")
	ErrNoPull         = errors.New("srt: no active pull")
)

// PullRequest describes a remote SRT listener to read from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"` // defaults to "live/" + StreamKey
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT listeners and feeds their streams into the
// registry. A pull whose connection drops is redialed under the Redial
// policy until it is stopped.
type Caller struct {
	log         *slog.Logger
	registry    *ingest.Registry
	DialTimeout time.Duration
	Redial      retry.Policy

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller returns a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:         log.With("component", "srt-caller"),
		registry:    registry,
		DialTimeout: DefaultDialTimeout,
		Redial:      retry.DefaultReconnect,
		pulls:       make(map[string]*activePull),
	}
}

// Pull dials req.Address and, once connected, streams in the background.
// The first dial is synchronous so configuration errors surface here.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return ErrMissingAddress
	}
	if req.StreamKey == "" {
		return ErrMissingKey
	}
	if req.StreamID == "" {
		req.StreamID = "live/" + req.StreamKey
	}

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, ok := c.pulls[req.StreamKey]; ok {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	conn, err := c.dial(pullCtx, req)
	if err != nil {
		c.forget(req.StreamKey)
		cancel()
		return err
	}
	go c.run(pullCtx, req, conn)
	return nil
}

// dial connects with DialTimeout. srtgo.Dial takes no context, so a dial
// that outlives the timeout is closed when it eventually returns.
func (c *Caller) dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.StreamID

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- result{conn, err}
	}()
	abandon := func() {
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(c.DialTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("srt: dial %s: %w", req.Address, r.err)
		}
		return r.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt: dial %s timed out after %s", req.Address, c.DialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (c *Caller) run(ctx context.Context, req PullRequest, conn *srtgo.Conn) {
	defer c.forget(req.StreamKey)
	for {
		c.stream(ctx, req, conn)
		if ctx.Err() != nil {
			return
		}

		err := retry.Do(ctx, c.Redial, func(attempt int) error {
			var err error
			conn, err = c.dial(ctx, req)
			if err != nil {
				c.log.Warn("redial failed", "stream_key", req.StreamKey, "attempt", attempt, "error", err)
			}
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("giving up on pull", "stream_key", req.StreamKey, "error", err)
			}
			return
		}
	}
}

// stream feeds one connection into the registry until it ends.
func (c *Caller) stream(ctx context.Context, req PullRequest, conn *srtgo.Conn) {
	defer conn.Close()

	s, w, err := c.registry.Register(req.StreamKey, ingest.SourcePull)
	if err != nil {
		c.log.Warn("cannot register pull", "stream_key", req.StreamKey, "error", err)
		return
	}
	defer c.registry.Unregister(req.StreamKey)
	s.SetRemoteAddr(req.Address)
	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := ingest.Copy(s, w, conn, readBufferSize); err != nil && ctx.Err() == nil {
		c.log.Debug("pull read ended", "stream_key", req.StreamKey, "error", err)
	}
	st := s.Stats()
	c.log.Info("pull ended", "stream_key", req.StreamKey,
		"bytes", st.BytesReceived, "reads", st.Reads, "uptime_ms", st.UptimeMs)
}

func (c *Caller) forget(key string) {
	c.mu.Lock()
	delete(c.pulls, key)
	c.mu.Unlock()
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for stream key %q", ErrNoPull, streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
