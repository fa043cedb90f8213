package putmedia

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/zsiec/kvsaudio/internal/certs"
	"github.com/zsiec/kvsaudio/internal/credentials"
	"github.com/zsiec/kvsaudio/internal/media"
	"github.com/zsiec/kvsaudio/internal/mkv"
	"github.com/zsiec/kvsaudio/internal/mockkvs"
)

const testRegion = "us-west-2"

var testCreds = aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"}

func mkvChunks(t *testing.T, frames int) [][]byte {
	t.Helper()
	m := mkv.NewMuxer(mkv.NewPCMTrack(1, 8000, 1, 16), mkv.Options{})
	var chunks [][]byte
	for i := 0; i < frames; i++ {
		out, err := m.Add(&media.AudioFrame{
			Index:    uint64(i),
			KeyFrame: true,
			PTS:      media.Millis(int64(i) * 100),
			Duration: media.Millis(100),
			Data:     make([]byte, 1600),
		})
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if len(out) > 0 {
			chunks = append(chunks, out)
		}
	}
	out, err := m.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(out) > 0 {
		chunks = append(chunks, out)
	}
	return chunks
}

func closedBody(chunks [][]byte) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

type fixture struct {
	cert *certs.Cert
	srv  *mockkvs.Server
}

func startMock(t *testing.T, cfg mockkvs.Config) *fixture {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	cfg.Addr = "127.0.0.1:0"
	cfg.TLS = cert.ServerConfig()
	if cfg.Region == "" {
		cfg.Region = testRegion
	}
	srv, err := mockkvs.Listen(cfg, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{cert: cert, srv: srv}
}

func (f *fixture) client(creds aws.Credentials) *Client {
	return NewClient(Config{
		Endpoint:        f.srv.URL(),
		StreamName:      "test-stream",
		Region:          testRegion,
		Credentials:     credentials.Static(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		TLSConfig:       f.cert.ClientConfig(),
		DialTimeout:     2 * time.Second,
		AckDrainTimeout: 2 * time.Second,
	}, nil)
}

func TestStreamEndToEnd(t *testing.T) {
	t.Parallel()

	verify := testCreds
	f := startMock(t, mockkvs.Config{Verify: &verify, AckEvents: []string{"RECEIVED", "PERSISTED"}})
	c := f.client(testCreds)

	events := make(chan Event, 64)
	d := NewDispatcher(context.Background(), events)
	if err := c.Stream(context.Background(), closedBody(mkvChunks(t, 30)), d); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	evs := drain(events)
	assertKinds(t, evs,
		EventAck, EventAck, EventAck, EventAck, EventAck, EventAck,
		EventStreamingComplete)
	if evs[1].Ack.EventType != AckPersisted || evs[1].Ack.FragmentTimecode != 0 {
		t.Errorf("first persisted ack: got %+v", evs[1].Ack)
	}
	if evs[5].Ack.FragmentTimecode != 2000 {
		t.Errorf("last ack timecode: got %d, want 2000", evs[5].Ack.FragmentTimecode)
	}

	st := f.srv.Stats()
	if st.Headers != 1 || st.Clusters != 3 || st.Blocks != 30 {
		t.Errorf("server stats: got %+v", st)
	}
	if st.LastStream != "test-stream" {
		t.Errorf("stream name: got %q", st.LastStream)
	}
}

func TestStreamSessionToken(t *testing.T) {
	t.Parallel()

	verify := testCreds
	f := startMock(t, mockkvs.Config{Verify: &verify})
	creds := testCreds
	creds.SessionToken = "session-token"

	events := make(chan Event, 64)
	err := f.client(creds).Stream(context.Background(), closedBody(mkvChunks(t, 10)), NewDispatcher(context.Background(), events))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	evs := drain(events)
	if last := evs[len(evs)-1]; last.Kind != EventStreamingComplete {
		t.Errorf("last event: got %v, want streaming-complete", last.Kind)
	}
}

func TestStreamRejectedSignature(t *testing.T) {
	t.Parallel()

	verify := testCreds
	f := startMock(t, mockkvs.Config{Verify: &verify})
	wrong := testCreds
	wrong.SecretAccessKey = "not-the-secret"

	events := make(chan Event, 8)
	body := make(chan []byte)
	err := f.client(wrong).Stream(context.Background(), body, NewDispatcher(context.Background(), events))

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("got %v, want 403 StatusError", err)
	}
	if !strings.Contains(se.Body, "signature mismatch") {
		t.Errorf("error body: got %q", se.Body)
	}
	evs := drain(events)
	assertKinds(t, evs, EventConnectionLost)
	if !errors.As(evs[0].Err, &se) {
		t.Errorf("lost event error: got %v", evs[0].Err)
	}
}

func TestStreamDisconnectReportsLoss(t *testing.T) {
	t.Parallel()

	f := startMock(t, mockkvs.Config{
		AckEvents:  []string{"PERSISTED"},
		Disconnect: func(session, cluster int) bool { return cluster == 1 },
	})

	events := make(chan Event, 64)
	err := f.client(testCreds).Stream(context.Background(), closedBody(mkvChunks(t, 30)), NewDispatcher(context.Background(), events))
	if err == nil {
		t.Fatal("expected a transport failure")
	}
	evs := drain(events)
	if len(evs) == 0 || evs[len(evs)-1].Kind != EventConnectionLost {
		t.Fatalf("events: got %v, want trailing connection-lost", kinds(evs))
	}
	for _, ev := range evs {
		if ev.Kind == EventStreamingComplete {
			t.Error("completion reported after a dropped connection")
		}
	}
}

func TestStreamErrorAck(t *testing.T) {
	t.Parallel()

	f := startMock(t, mockkvs.Config{
		AckEvents:     []string{"PERSISTED"},
		RejectCluster: func(session, cluster int) bool { return cluster == 2 },
	})

	events := make(chan Event, 64)
	if err := f.client(testCreds).Stream(context.Background(), closedBody(mkvChunks(t, 30)), NewDispatcher(context.Background(), events)); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	assertKinds(t, drain(events),
		EventAck,
		EventAck, EventErrorAck, EventStreamingError,
		EventAck,
		EventStreamingComplete)
}

func TestStreamCancel(t *testing.T) {
	t.Parallel()

	f := startMock(t, mockkvs.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 64)
	body := make(chan []byte, 1)
	body <- mkvChunks(t, 10)[0]

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := f.client(testCreds).Stream(ctx, body, NewDispatcher(context.Background(), events))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	for _, ev := range drain(events) {
		if ev.Kind == EventConnectionLost || ev.Kind == EventStreamingComplete {
			t.Errorf("unexpected %v event after cancellation", ev.Kind)
		}
	}
}

func TestStreamSigningFailure(t *testing.T) {
	t.Parallel()

	f := startMock(t, mockkvs.Config{})
	c := NewClient(Config{
		Endpoint:    f.srv.URL(),
		StreamName:  "s",
		Region:      testRegion,
		Credentials: credentials.Static("", "", ""),
		TLSConfig:   f.cert.ClientConfig(),
	}, nil)

	events := make(chan Event, 4)
	err := c.Stream(context.Background(), closedBody(nil), NewDispatcher(context.Background(), events))
	if !errors.Is(err, ErrSign) {
		t.Fatalf("got %v, want ErrSign", err)
	}
	if evs := drain(events); len(evs) != 0 {
		t.Errorf("signing failures must not emit events, got %v", kinds(evs))
	}
	if n := f.srv.Stats().Sessions; n != 0 {
		t.Errorf("server sessions: got %d, want 0", n)
	}
}

func TestStreamDialFailure(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{
		Endpoint:    "https://127.0.0.1:1",
		StreamName:  "s",
		Region:      testRegion,
		Credentials: credentials.Static(testCreds.AccessKeyID, testCreds.SecretAccessKey, ""),
		DialTimeout: time.Second,
	}, nil)
	events := make(chan Event, 4)
	err := c.Stream(context.Background(), closedBody(nil), NewDispatcher(context.Background(), events))
	if err == nil {
		t.Fatal("expected a dial error")
	}
	assertKinds(t, drain(events), EventConnectionLost)
}

func TestStreamResponseEndsEarly(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cert.ServerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n")
		io.Copy(io.Discard, br)
	}()

	c := NewClient(Config{
		Endpoint:    "https://" + ln.Addr().String(),
		StreamName:  "s",
		Region:      testRegion,
		Credentials: credentials.Static(testCreds.AccessKeyID, testCreds.SecretAccessKey, ""),
		TLSConfig:   cert.ClientConfig(),
	}, nil)
	events := make(chan Event, 4)
	err = c.Stream(context.Background(), make(chan []byte), NewDispatcher(context.Background(), events))
	if !errors.Is(err, ErrResponseEnded) {
		t.Fatalf("got %v, want ErrResponseEnded", err)
	}
	assertKinds(t, drain(events), EventConnectionLost)
}

func TestStreamNoResponseIsFailure(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cert.ServerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Read the whole request and never answer.
		io.Copy(io.Discard, conn)
	}()

	c := NewClient(Config{
		Endpoint:        "https://" + ln.Addr().String(),
		StreamName:      "s",
		Region:          testRegion,
		Credentials:     credentials.Static(testCreds.AccessKeyID, testCreds.SecretAccessKey, ""),
		TLSConfig:       cert.ClientConfig(),
		AckDrainTimeout: 100 * time.Millisecond,
	}, nil)
	events := make(chan Event, 4)
	err = c.Stream(context.Background(), closedBody(mkvChunks(t, 3)), NewDispatcher(context.Background(), events))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("got %v, want ErrNoResponse", err)
	}
	assertKinds(t, drain(events), EventConnectionLost)
}

func TestPreamble(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(Config{
		Endpoint:          "https://s-1234.kinesisvideo.us-west-2.amazonaws.com",
		StreamName:        "my-stream",
		Region:            testRegion,
		Credentials:       credentials.Static(testCreds.AccessKeyID, testCreds.SecretAccessKey, ""),
		ProducerStartTime: time.UnixMilli(1709294400250),
		Now:               func() time.Time { return now },
	}, nil)
	tgt, err := parseEndpoint(c.cfg.Endpoint)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.preamble(context.Background(), tgt, now)
	if err != nil {
		t.Fatalf("preamble: %v", err)
	}
	p := string(b)

	if !strings.HasPrefix(p, "POST /putMedia HTTP/1.1\r\nHost: s-1234.kinesisvideo.us-west-2.amazonaws.com\r\n") {
		t.Errorf("request line: got %q", p[:min(len(p), 100)])
	}
	if !strings.HasSuffix(p, "Transfer-Encoding: chunked\r\n\r\n") {
		t.Error("preamble must end with the chunked transfer header and a blank line")
	}
	for _, want := range []string{
		"X-Amzn-Stream-Name: my-stream\r\n",
		"X-Amzn-Fragment-Timecode-Type: ABSOLUTE\r\n",
		"X-Amzn-Producer-Start-Timestamp: 1709294400.250\r\n",
		"X-Amz-Date: 20240301T120000Z\r\n",
		"X-Amz-Content-Sha256: UNSIGNED-PAYLOAD\r\n",
		"Accept: */*\r\n",
		"User-Agent: " + DefaultUserAgent + "\r\n",
		"Credential=AKIDEXAMPLE/20240301/us-west-2/kinesisvideo/aws4_request",
		"SignedHeaders=accept;host;user-agent;x-amz-content-sha256;x-amz-date;x-amzn-fragment-timecode-type;x-amzn-producer-start-timestamp;x-amzn-stream-name,",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("preamble missing %q", want)
		}
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSuffix(p, "\r\n\r\n"), "\r\n")[2:] {
		name, _, _ := strings.Cut(line, ":")
		names = append(names, name)
	}
	for i := 1; i < len(names)-1; i++ {
		if names[i-1] > names[i] {
			t.Errorf("headers not sorted: %q before %q", names[i-1], names[i])
		}
	}
}

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		addr    string
		host    string
		path    string
		wantErr error
	}{
		{in: "https://kvs.example.com", addr: "kvs.example.com:443", host: "kvs.example.com", path: DefaultPath},
		{in: "https://kvs.example.com/", addr: "kvs.example.com:443", host: "kvs.example.com", path: DefaultPath},
		{in: "https://127.0.0.1:8443/custom", addr: "127.0.0.1:8443", host: "127.0.0.1:8443", path: "/custom"},
		{in: "http://kvs.example.com", wantErr: ErrUnsupportedScheme},
		{in: "https://", wantErr: ErrMissingEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseEndpoint(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.addr != tt.addr || got.host != tt.host || got.path != tt.path {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	err := Config{}.Validate()
	for _, want := range []error{ErrMissingEndpoint, ErrMissingStreamName, ErrMissingProvider} {
		if !errors.Is(err, want) {
			t.Errorf("Validate: missing %v in %v", want, err)
		}
	}
}

func TestFormatProducerStart(t *testing.T) {
	t.Parallel()

	if got := FormatProducerStart(time.UnixMilli(1700000000123)); got != "1700000000.123" {
		t.Errorf("got %q, want 1700000000.123", got)
	}
}
