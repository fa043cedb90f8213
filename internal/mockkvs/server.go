// Package mockkvs is a local stand-in for a Kinesis Video Streams PutMedia
// data endpoint. It accepts the signed chunked POST, walks the MKV body as it
// arrives and streams one set of JSON acknowledgements per cluster, which is
// enough to exercise a client end to end without an AWS account.
package mockkvs

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/zsiec/kvsaudio/internal/ebml"
)

// MKV element IDs the server reacts to.
const (
	idEBML     uint32 = 0x1A45DFA3
	idSegment  uint32 = 0x18538067
	idCluster  uint32 = 0x1F43B675
	idTimecode uint32 = 0xE7
	idBlock    uint32 = 0xA3
)

// Default acknowledgement sequence for each cluster, as the service sends it.
var DefaultAckEvents = []string{"BUFFERING", "RECEIVED", "PERSISTED"}

// Config controls the mock endpoint.
type Config struct {
	Addr string      // listen address, e.g. "127.0.0.1:0"
	TLS  *tls.Config // server certificate; required

	Path string // request path, defaults to /putMedia

	// Verify, when set, checks every request's SigV4 signature against
	// these credentials and rejects mismatches with 403.
	Verify *aws.Credentials
	Region string

	// AckEvents is the event sequence sent per cluster.
	AckEvents []string

	// Disconnect is consulted after each cluster. Returning true drops the
	// connection without finishing the response. session is 1-based.
	Disconnect func(session, cluster int) bool

	// RejectCluster is consulted before each cluster is acknowledged.
	// Returning true sends an ERROR ack for it instead.
	RejectCluster func(session, cluster int) bool
}

// Stats summarizes what the server has received.
type Stats struct {
	Sessions   int64  `json:"sessions"`
	Headers    int64  `json:"headers"`
	Clusters   int64  `json:"clusters"`
	Blocks     int64  `json:"blocks"`
	Bytes      int64  `json:"bytes"`
	Rejected   int64  `json:"rejected"`
	LastStream string `json:"lastStream"`
}

// Cluster records one received cluster.
type Cluster struct {
	Session  int
	Timecode uint64
	Blocks   int
}

// Server is a running mock endpoint.
type Server struct {
	cfg Config
	ln  net.Listener
	log *slog.Logger

	sessions atomic.Int64
	headers  atomic.Int64
	clusters atomic.Int64
	blocks   atomic.Int64
	bytes    atomic.Int64
	rejected atomic.Int64

	mu         sync.Mutex
	lastStream string
	received   []Cluster
	conns      map[net.Conn]struct{}
	wg         sync.WaitGroup
}

// Listen opens the TLS listener. Call Serve to accept connections. If log
// is nil, slog.Default() is used.
func Listen(cfg Config, log *slog.Logger) (*Server, error) {
	if cfg.TLS == nil {
		return nil, errors.New("mockkvs: TLS config is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/putMedia"
	}
	if len(cfg.AckEvents) == 0 {
		cfg.AckEvents = DefaultAckEvents
	}
	if log == nil {
		log = slog.Default()
	}
	ln, err := tls.Listen("tcp", cfg.Addr, cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("mockkvs: listen: %w", err)
	}
	return &Server{
		cfg:   cfg,
		ln:    ln,
		log:   log.With("component", "mockkvs"),
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns the endpoint URL clients should stream to.
func (s *Server) URL() string {
	return "https://" + s.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("listening", "addr", s.Addr())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("mockkvs: accept: %w", err)
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handle(conn)
		}()
	}
}

// Close stops the listener and drops open connections.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	last := s.lastStream
	s.mu.Unlock()
	return Stats{
		Sessions:   s.sessions.Load(),
		Headers:    s.headers.Load(),
		Clusters:   s.clusters.Load(),
		Blocks:     s.blocks.Load(),
		Bytes:      s.bytes.Load(),
		Rejected:   s.rejected.Load(),
		LastStream: last,
	}
}

// Clusters returns every cluster received so far, in arrival order.
func (s *Server) Clusters() []Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cluster, len(s.received))
	copy(out, s.received)
	return out
}

type ack struct {
	EventType        string `json:"EventType"`
	FragmentTimecode uint64 `json:"FragmentTimecode"`
	FragmentNumber   string `json:"FragmentNumber"`
	ErrorID          int    `json:"ErrorId,omitempty"`
	ErrorCode        string `json:"ErrorCode,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.log.Debug("read request failed", "error", err)
		return
	}

	session := int(s.sessions.Add(1))
	log := s.log.With("session", session, "remote", conn.RemoteAddr().String())

	if status, msg := s.checkRequest(req); status != http.StatusOK {
		log.Warn("request rejected", "status", status, "reason", msg)
		writeError(conn, status, msg)
		// Read what the client already sent so closing does not reset the
		// connection before the response is delivered.
		conn.SetReadDeadline(time.Now().Add(time.Second))
		io.Copy(io.Discard, io.LimitReader(req.Body, 1<<20))
		return
	}
	stream := req.Header.Get("X-Amzn-Stream-Name")
	s.mu.Lock()
	s.lastStream = stream
	s.mu.Unlock()
	log.Info("session started", "stream", stream)

	if _, err := io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n"); err != nil {
		return
	}
	cw := httputil.NewChunkedWriter(conn)
	enc := json.NewEncoder(cw)

	body := &countingReader{r: req.Body, n: &s.bytes}
	r := ebml.NewReader(body)
	var (
		fragment   = session * 1_000_000
		clusters   int
		cur        *Cluster
		inCluster  bool
		sendFailed bool
	)
	finishCluster := func() bool {
		if cur == nil {
			return true
		}
		s.mu.Lock()
		s.received = append(s.received, *cur)
		s.mu.Unlock()
		cur = nil
		return !(s.cfg.Disconnect != nil && s.cfg.Disconnect(session, clusters))
	}

	for {
		id, size, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("body ended", "error", err)
				return
			}
			break
		}
		switch {
		case size == ebml.Unknown:
			if id == idSegment {
				inCluster = false
			}
			if id == idCluster {
				if !finishCluster() {
					log.Info("dropping connection", "clusters", clusters)
					return
				}
				inCluster = true
				clusters++
				s.clusters.Add(1)
				cur = &Cluster{Session: session}
			}
		case id == idTimecode && inCluster:
			tc, err := r.ReadUint(size)
			if err != nil {
				log.Warn("read timecode", "error", err)
				return
			}
			cur.Timecode = tc
			fragment++
			if !sendFailed {
				if err := s.acknowledge(enc, session, clusters, fragment, tc); err != nil {
					sendFailed = true
				}
			}
		default:
			switch id {
			case idEBML:
				s.headers.Add(1)
				inCluster = false
			case idBlock:
				s.blocks.Add(1)
				if cur != nil {
					cur.Blocks++
				}
			}
			if err := r.Skip(size); err != nil {
				log.Warn("skip element", "id", fmt.Sprintf("%#x", id), "error", err)
				return
			}
		}
	}
	if !finishCluster() {
		return
	}

	cw.Close()
	io.WriteString(conn, "\r\n")
	log.Info("session complete", "clusters", clusters, "bytes", body.total)
}

func (s *Server) acknowledge(enc *json.Encoder, session, cluster, fragment int, tc uint64) error {
	number := strconv.Itoa(fragment)
	if s.cfg.RejectCluster != nil && s.cfg.RejectCluster(session, cluster) {
		s.rejected.Add(1)
		return enc.Encode(ack{
			EventType:        "ERROR",
			FragmentTimecode: tc,
			FragmentNumber:   number,
			ErrorID:          4000,
			ErrorCode:        "INVALID_MKV_DATA",
		})
	}
	for _, ev := range s.cfg.AckEvents {
		if err := enc.Encode(ack{EventType: ev, FragmentTimecode: tc, FragmentNumber: number}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) checkRequest(req *http.Request) (int, string) {
	if req.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, "method " + req.Method
	}
	if req.URL.Path != s.cfg.Path {
		return http.StatusNotFound, "path " + req.URL.Path
	}
	if req.Header.Get("X-Amzn-Stream-Name") == "" {
		return http.StatusBadRequest, "missing x-amzn-stream-name"
	}
	if req.Header.Get("Authorization") == "" {
		return http.StatusForbidden, "missing authorization"
	}
	if s.cfg.Verify != nil {
		if err := verifySignature(req, *s.cfg.Verify, s.cfg.Region); err != nil {
			return http.StatusForbidden, err.Error()
		}
	}
	return http.StatusOK, ""
}

func writeError(w io.Writer, status int, msg string) {
	body, _ := json.Marshal(errorBody{Message: msg})
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
}

type countingReader struct {
	r     io.Reader
	n     *atomic.Int64
	total int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	c.total += int64(n)
	return n, err
}
