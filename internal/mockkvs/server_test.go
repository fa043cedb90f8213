package mockkvs

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/zsiec/kvsaudio/internal/certs"
	"github.com/zsiec/kvsaudio/internal/media"
	"github.com/zsiec/kvsaudio/internal/mkv"
	"github.com/zsiec/kvsaudio/internal/sigv4"
)

var creds = aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}

func start(t *testing.T, cfg Config) (*Server, *tls.Config) {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Addr = "127.0.0.1:0"
	cfg.TLS = cert.ServerConfig()
	srv, err := Listen(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	client := cert.ClientConfig()
	client.ServerName = "127.0.0.1"
	return srv, client
}

func body(t *testing.T, frames int) []byte {
	t.Helper()
	m := mkv.NewMuxer(mkv.NewMuLawTrack(1, 8000, 1), mkv.Options{FramesPerCluster: 5})
	var out []byte
	for i := 0; i < frames; i++ {
		b, err := m.Add(&media.AudioFrame{KeyFrame: true, PTS: media.Millis(int64(i) * 100), Data: make([]byte, 800)})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, b...)
	}
	b, err := m.Flush()
	if err != nil {
		t.Fatal(err)
	}
	return append(out, b...)
}

// post sends one signed PutMedia request and returns the response with its
// acks decoded.
func post(t *testing.T, srv *Server, tlsCfg *tls.Config, secret, path string, payload []byte) (*http.Response, []ack) {
	t.Helper()
	conn, err := tls.Dial("tcp", srv.Addr(), tlsCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	h := make(http.Header)
	h.Set("X-Amzn-Stream-Name", "mock-test")
	signed, err := sigv4.SignStreamingPost(sigv4.Context{
		Credentials: aws.Credentials{AccessKeyID: creds.AccessKeyID, SecretAccessKey: secret},
		Region:      "us-east-1",
		Service:     sigv4.DefaultService,
		Time:        time.Now(),
	}, srv.Addr(), path, h)
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\nHost: %s\r\n", path, srv.Addr())
	for k := range signed {
		fmt.Fprintf(&b, "%s: %s\r\n", k, signed.Get(k))
	}
	b.WriteString("Transfer-Encoding: chunked\r\n\r\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		t.Fatal(err)
	}
	cw := httputil.NewChunkedWriter(conn)
	cw.Write(payload)
	cw.Close()
	io.WriteString(conn, "\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodPost})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var acks []ack
	dec := json.NewDecoder(resp.Body)
	for {
		var a ack
		if err := dec.Decode(&a); err != nil {
			if !errors.Is(err, io.EOF) && resp.StatusCode == http.StatusOK {
				t.Fatalf("decode ack: %v", err)
			}
			break
		}
		acks = append(acks, a)
	}
	return resp, acks
}

func TestAcksPerCluster(t *testing.T) {
	t.Parallel()

	srv, tlsCfg := start(t, Config{Verify: &creds, Region: "us-east-1"})
	resp, acks := post(t, srv, tlsCfg, creds.SecretAccessKey, "/putMedia", body(t, 12))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}

	// 12 frames at 5 per cluster: clusters at 0, 500 and 1000 ms.
	if len(acks) != 3*len(DefaultAckEvents) {
		t.Fatalf("acks: got %d, want %d", len(acks), 3*len(DefaultAckEvents))
	}
	for i, a := range acks {
		want := DefaultAckEvents[i%len(DefaultAckEvents)]
		if a.EventType != want {
			t.Errorf("ack %d type: got %s, want %s", i, a.EventType, want)
		}
		if tc := uint64(i/len(DefaultAckEvents)) * 500; a.FragmentTimecode != tc {
			t.Errorf("ack %d timecode: got %d, want %d", i, a.FragmentTimecode, tc)
		}
	}

	clusters := srv.Clusters()
	if len(clusters) != 3 {
		t.Fatalf("clusters: got %d, want 3", len(clusters))
	}
	if clusters[2].Blocks != 2 {
		t.Errorf("last cluster blocks: got %d, want 2", clusters[2].Blocks)
	}
	st := srv.Stats()
	if st.Headers != 1 || st.Blocks != 12 || st.LastStream != "mock-test" {
		t.Errorf("stats: got %+v", st)
	}
}

func TestRejectsBadSignature(t *testing.T) {
	t.Parallel()

	srv, tlsCfg := start(t, Config{Verify: &creds})
	resp, _ := post(t, srv, tlsCfg, "wrong", "/putMedia", body(t, 5))
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", resp.StatusCode)
	}
}

func TestRejectsUnknownPath(t *testing.T) {
	t.Parallel()

	srv, tlsCfg := start(t, Config{})
	resp, _ := post(t, srv, tlsCfg, creds.SecretAccessKey, "/getMedia", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestRejectCluster(t *testing.T) {
	t.Parallel()

	srv, tlsCfg := start(t, Config{
		AckEvents:     []string{"PERSISTED"},
		RejectCluster: func(_, cluster int) bool { return cluster == 1 },
	})
	_, acks := post(t, srv, tlsCfg, creds.SecretAccessKey, "/putMedia", body(t, 10))
	if len(acks) != 2 {
		t.Fatalf("acks: got %d, want 2", len(acks))
	}
	if acks[0].EventType != "ERROR" || acks[0].ErrorID == 0 {
		t.Errorf("first ack: got %+v, want ERROR", acks[0])
	}
	if acks[1].EventType != "PERSISTED" {
		t.Errorf("second ack: got %+v", acks[1])
	}
	if srv.Stats().Rejected != 1 {
		t.Errorf("rejected: got %d, want 1", srv.Stats().Rejected)
	}
}

func TestParseAuthorization(t *testing.T) {
	t.Parallel()

	a, err := parseAuthorization("AWS4-HMAC-SHA256 Credential=AKID/20240101/us-east-1/kinesisvideo/aws4_request, SignedHeaders=host;x-amz-date, Signature=abcd")
	if err != nil {
		t.Fatal(err)
	}
	if a.accessKey != "AKID" || a.date != "20240101" || a.region != "us-east-1" || a.service != "kinesisvideo" {
		t.Errorf("scope: got %+v", a)
	}
	if len(a.signed) != 2 || a.signature != "abcd" {
		t.Errorf("signed/signature: got %+v", a)
	}

	for _, bad := range []string{
		"",
		"Basic Zm9vOmJhcg==",
		"AWS4-HMAC-SHA256 Credential=AKID/20240101/us-east-1, SignedHeaders=host, Signature=ab",
		"AWS4-HMAC-SHA256 SignedHeaders=host",
	} {
		if _, err := parseAuthorization(bad); err == nil {
			t.Errorf("parseAuthorization(%q): expected an error", bad)
		}
	}
}
