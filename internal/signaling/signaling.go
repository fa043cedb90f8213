// Package signaling builds presigned WebSocket URLs for Kinesis Video
// Streams signaling channels and checks that a channel accepts them.
package signaling

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zsiec/kvsaudio/internal/sigv4"
)

// Query parameters the signaling service reads from the URL.
const (
	ParamChannelARN = "X-Amz-ChannelARN"
	ParamClientID   = "X-Amz-ClientId"
)

var (
	ErrMissingEndpoint = errors.New("signaling: missing endpoint")
	ErrMissingChannel  = errors.New("signaling: missing channel ARN")
)

// Request describes one presigned connection.
type Request struct {
	// Endpoint is the WSS resource endpoint of the channel.
	Endpoint   string
	ChannelARN string

	// ClientID identifies a viewer. Leave empty when connecting as master;
	// set it to NewClientID() for a viewer.
	ClientID string

	Region  string
	Expires time.Duration // zero selects sigv4.DefaultExpires
}

// NewClientID returns a random viewer client id.
func NewClientID() string {
	return uuid.NewString()
}

// Presign returns the signed URL for r.
func Presign(ctx context.Context, r Request, creds aws.CredentialsProvider, now time.Time) (string, error) {
	if r.Endpoint == "" {
		return "", ErrMissingEndpoint
	}
	if r.ChannelARN == "" {
		return "", ErrMissingChannel
	}
	if creds == nil {
		return "", sigv4.ErrMissingCredentials
	}
	c, err := creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("signaling: retrieve credentials: %w", err)
	}

	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return "", fmt.Errorf("signaling: parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("signaling: endpoint %q is not an absolute URL", r.Endpoint)
	}
	q := u.Query()
	q.Set(ParamChannelARN, r.ChannelARN)
	if r.ClientID != "" {
		q.Set(ParamClientID, r.ClientID)
	}
	u.RawQuery = q.Encode()

	return sigv4.Presign(sigv4.Context{
		Credentials: c,
		Region:      r.Region,
		Service:     sigv4.DefaultService,
		Time:        now,
	}, u.String(), sigv4.PresignOptions{Expires: r.Expires})
}

// Check opens a WebSocket connection to a presigned URL and closes it
// cleanly. A rejected handshake returns a *HandshakeError.
func Check(ctx context.Context, presigned string, tlsConfig *tls.Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
	}
	start := time.Now()
	conn, resp, err := d.DialContext(ctx, presigned, nil)
	if err != nil {
		if resp != nil {
			return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("signaling: dial: %w", err)
	}
	defer conn.Close()

	log.Info("signaling channel reachable",
		"host", hostOf(presigned),
		"status", resp.StatusCode,
		"took", time.Since(start))

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("signaling: close: %w", err)
	}
	return nil
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.Host
	}
	before, _, _ := strings.Cut(raw, "?")
	return before
}

// HandshakeError is returned by Check when the server answered the
// upgrade request with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("signaling: handshake rejected with %d %s: %v", e.StatusCode, http.StatusText(e.StatusCode), e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
