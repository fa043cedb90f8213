// Package putmedia streams an MKV byte stream to a Kinesis Video Streams
// PutMedia endpoint over one long-lived TLS connection.
//
// A session writes a SigV4-signed chunked POST preamble, then runs two
// goroutines over the same socket: the sender frames each body slice as an
// HTTP chunk, and the receiver decodes the JSON acknowledgements the service
// streams back. Outcomes are reported to a Dispatcher, which turns them into
// Events.
package putmedia

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/kvsaudio/internal/sigv4"
)

// TimecodeType selects how the service interprets cluster timecodes.
type TimecodeType string

// Fragment timecode types.
const (
	TimecodeAbsolute TimecodeType = "ABSOLUTE"
	TimecodeRelative TimecodeType = "RELATIVE"
)

// Defaults applied by NewClient.
const (
	DefaultPath            = "/putMedia"
	DefaultDialTimeout     = 10 * time.Second
	DefaultAckDrainTimeout = 5 * time.Second
	DefaultUserAgent       = "kvsaudio/1.0"
)

// Stream request header names.
const (
	HeaderStreamName     = "X-Amzn-Stream-Name"
	HeaderTimecodeType   = "X-Amzn-Fragment-Timecode-Type"
	HeaderProducerStart  = "X-Amzn-Producer-Start-Timestamp"
	headerAccept         = "Accept"
	headerUserAgent      = "User-Agent"
	headerTransferCoding = "Transfer-Encoding"
)

var (
	ErrMissingEndpoint   = errors.New("putmedia: missing endpoint")
	ErrMissingStreamName = errors.New("putmedia: missing stream name")
	ErrMissingProvider   = errors.New("putmedia: missing credentials provider")
	ErrUnsupportedScheme = errors.New("putmedia: endpoint scheme must be https")

	// ErrSign wraps failures to obtain credentials or sign the request.
	// These happen before dialing and are not worth retrying.
	ErrSign = errors.New("putmedia: sign request")

	// ErrResponseEnded means the service closed its response while the
	// body was still being sent.
	ErrResponseEnded = errors.New("putmedia: response ended before body completed")

	// ErrNoResponse means the body was sent but the service never answered
	// before the ack drain timeout.
	ErrNoResponse = errors.New("putmedia: no response before ack drain timeout")
)

// StatusError is a non-2xx PutMedia response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("putmedia: unexpected status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("putmedia: unexpected status %s", e.Status)
}

// Config is the immutable configuration of a Client.
type Config struct {
	// Endpoint is the PutMedia data endpoint, e.g.
	// https://s-1234abcd.kinesisvideo.us-west-2.amazonaws.com. An empty
	// path selects DefaultPath; a missing port selects 443.
	Endpoint   string
	StreamName string
	Region     string
	Service    string // empty selects sigv4.DefaultService

	Credentials aws.CredentialsProvider

	TimecodeType      TimecodeType // empty selects TimecodeAbsolute
	ProducerStartTime time.Time    // zero selects the session start

	TLSConfig       *tls.Config
	DialTimeout     time.Duration
	AckDrainTimeout time.Duration
	UserAgent       string

	// Now is the clock used for signing. nil selects time.Now.
	Now func() time.Time
}

// Validate reports every missing required field.
func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, ErrMissingEndpoint)
	}
	if c.StreamName == "" {
		errs = append(errs, ErrMissingStreamName)
	}
	if c.Region == "" {
		errs = append(errs, sigv4.ErrMissingRegion)
	}
	if c.Credentials == nil {
		errs = append(errs, ErrMissingProvider)
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = sigv4.DefaultService
	}
	if c.TimecodeType == "" {
		c.TimecodeType = TimecodeAbsolute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.AckDrainTimeout <= 0 {
		c.AckDrainTimeout = DefaultAckDrainTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Client opens PutMedia sessions. It holds no per-session state and may
// be used for any number of sequential or concurrent sessions.
type Client struct {
	cfg Config
	log *slog.Logger
}

// NewClient creates a Client. If log is nil, slog.Default() is used.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg: cfg.withDefaults(),
		log: log.With("component", "putmedia", "stream", cfg.StreamName),
	}
}

// Config returns the client's configuration with defaults applied.
func (c *Client) Config() Config {
	return c.cfg
}

type target struct {
	host string // Host header value
	addr string // dial address
	name string // TLS server name
	path string
}

func parseEndpoint(endpoint string) (target, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return target{}, fmt.Errorf("putmedia: parse endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("%w: no host in %q", ErrMissingEndpoint, endpoint)
	}
	t := target{host: u.Host, name: u.Hostname(), path: u.EscapedPath()}
	if t.path == "" || t.path == "/" {
		t.path = DefaultPath
	}
	port := u.Port()
	if port == "" {
		port = "443"
	}
	t.addr = net.JoinHostPort(u.Hostname(), port)
	return t, nil
}

// Stream runs one PutMedia session. Every slice received from body is sent
// as one chunk; closing body ends the request with the terminal chunk.
// Acknowledgements and the session outcome are reported to d.
//
// Stream returns nil after a clean end, ctx.Err() when the caller cancels
// (no event is emitted), an error wrapping ErrSign when the request could
// not be signed, and otherwise the transport failure that was reported to
// d as a lost connection.
func (c *Client) Stream(ctx context.Context, body <-chan []byte, d *Dispatcher) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	t, err := parseEndpoint(c.cfg.Endpoint)
	if err != nil {
		return err
	}

	start := c.cfg.Now()
	preamble, err := c.preamble(ctx, t, start)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	log := c.log.With("session", id)

	conn, err := c.dial(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("putmedia: dial %s: %w", t.addr, err)
		d.OnFailure(err)
		return err
	}
	defer conn.Close()
	log.Info("connected", "addr", t.addr)

	if _, err := conn.Write(preamble); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("putmedia: write preamble: %w", err)
		d.OnFailure(err)
		return err
	}

	s := &session{
		conn:   conn,
		drain:  c.cfg.AckDrainTimeout,
		d:      d,
		log:    log,
		sentCh: make(chan struct{}),
	}
	err = s.run(ctx, body)

	switch {
	case ctx.Err() != nil:
		log.Info("session cancelled", "bytes", s.cw.n, "acks", s.acks)
		return ctx.Err()
	case err != nil:
		log.Warn("session failed", "error", err, "bytes", s.cw.n, "acks", s.acks)
		d.OnFailure(err)
		return err
	default:
		log.Info("session complete", "bytes", s.cw.n, "acks", s.acks,
			"duration", time.Since(start).Round(time.Millisecond))
		d.OnComplete()
		return nil
	}
}

// preamble builds the signed request line and headers, written to the
// socket in one Write.
func (c *Client) preamble(ctx context.Context, t target, now time.Time) ([]byte, error) {
	creds, err := c.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve credentials: %w", ErrSign, err)
	}

	producerStart := c.cfg.ProducerStartTime
	if producerStart.IsZero() {
		producerStart = now
	}

	h := make(http.Header)
	h.Set(HeaderStreamName, c.cfg.StreamName)
	h.Set(HeaderTimecodeType, string(c.cfg.TimecodeType))
	h.Set(HeaderProducerStart, FormatProducerStart(producerStart))
	h.Set(headerAccept, "*/*")
	h.Set(headerUserAgent, c.cfg.UserAgent)

	signed, err := sigv4.SignStreamingPost(sigv4.Context{
		Credentials: creds,
		Region:      c.cfg.Region,
		Service:     c.cfg.Service,
		Time:        now,
	}, t.host, t.path, h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSign, err)
	}

	var b strings.Builder
	b.WriteString("POST " + t.path + " HTTP/1.1\r\n")
	b.WriteString("Host: " + t.host + "\r\n")
	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range signed[k] {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString(headerTransferCoding + ": chunked\r\n\r\n")
	return []byte(b.String()), nil
}

// FormatProducerStart renders t as seconds since the epoch with a
// millisecond fraction.
func FormatProducerStart(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', 3, 64)
}

func (c *Client) dial(ctx context.Context, t target) (net.Conn, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.cfg.TLSConfig != nil {
		tlsCfg = c.cfg.TLSConfig.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = t.name
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout},
		Config:    tlsCfg,
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return dialer.DialContext(dctx, "tcp", t.addr)
}

// session is the sender/receiver pair of one connection.
type session struct {
	conn  net.Conn
	drain time.Duration
	d     *Dispatcher
	log   *slog.Logger

	cw     chunkWriter
	acks   int
	sentCh chan struct{} // closed when the terminal chunk is written
}

func (s *session) run(ctx context.Context, body <-chan []byte) error {
	s.cw.w = s.conn
	g, gctx := errgroup.WithContext(ctx)

	// Closing the socket is the only way to unblock a pending Read or Write.
	stop := context.AfterFunc(gctx, func() { s.conn.Close() })
	defer stop()

	g.Go(func() error { return s.send(gctx, body) })
	g.Go(func() error { return s.receive() })
	return g.Wait()
}

func (s *session) send(ctx context.Context, body <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-body:
			if !ok {
				// The service may end its response as soon as it reads the
				// terminal chunk, so mark the body sent before writing it.
				close(s.sentCh)
				if err := s.cw.Close(); err != nil {
					return fmt.Errorf("putmedia: write terminal chunk: %w", err)
				}
				s.conn.SetReadDeadline(time.Now().Add(s.drain))
				s.log.Debug("body complete, draining acks", "timeout", s.drain)
				return nil
			}
			if err := s.cw.WriteChunk(p); err != nil {
				return fmt.Errorf("putmedia: write chunk: %w", err)
			}
		}
	}
}

func (s *session) bodySent() bool {
	select {
	case <-s.sentCh:
		return true
	default:
		return false
	}
}

func (s *session) receive() error {
	br := bufio.NewReader(s.conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodPost})
	if err != nil {
		if s.bodySent() && errors.Is(err, os.ErrDeadlineExceeded) {
			return ErrNoResponse
		}
		return fmt.Errorf("putmedia: read response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}

	err = readAcks(resp.Body, func(a Ack) {
		s.acks++
		s.d.OnAck(a)
	})
	if err != nil {
		if s.bodySent() && errors.Is(err, os.ErrDeadlineExceeded) {
			s.log.Warn("ack drain timed out", "acks", s.acks)
			return nil
		}
		return err
	}
	if !s.bodySent() {
		return ErrResponseEnded
	}
	return nil
}
