// Package ingest is the rendezvous between transport listeners and the
// per-stream pipelines. A transport registers a stream by key and writes the
// bytes it receives; the registry hands the read side to a Handler.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicate is returned when a key is already being ingested.
var ErrDuplicate = errors.New("ingest: stream key already active")

// Source says how a stream arrived.
type Source string

const (
	SourceListener Source = "listener"
	SourcePull     Source = "pull"
)

// Stats is a snapshot of one stream's transport counters.
type Stats struct {
	Key           string `json:"key"`
	Source        Source `json:"source"`
	RemoteAddr    string `json:"remoteAddr"`
	BytesReceived int64  `json:"bytesReceived"`
	Reads         int64  `json:"reads"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// Stream is one active ingest. The transport writes into it through the
// writer returned by Register; the handler reads from Input.
type Stream struct {
	Key       string
	Source    Source
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once

	bytes      atomic.Int64
	reads      atomic.Int64
	remoteAddr atomic.Value
}

// Input returns the byte stream the transport writes.
func (s *Stream) Input() io.Reader {
	return s.pr
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Abort stops the transport side: its next write fails with err.
func (s *Stream) Abort(err error) {
	s.pr.CloseWithError(err)
}

// RecordRead counts one transport read of n bytes.
func (s *Stream) RecordRead(n int) {
	s.bytes.Add(int64(n))
	s.reads.Add(1)
}

// SetRemoteAddr records the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns the stream's counters.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Source:        s.Source,
		RemoteAddr:    addr,
		BytesReceived: s.bytes.Load(),
		Reads:         s.reads.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
	}
}

func (s *Stream) close() {
	s.once.Do(func() {
		s.pw.Close()
		close(s.done)
	})
}

// Handler consumes a newly registered stream. It runs on its own goroutine
// and should read Input until EOF.
type Handler func(s *Stream)

// Registry tracks active streams by key.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	handler Handler
}

// NewRegistry returns a Registry that starts h for every new stream. h may
// be nil.
func NewRegistry(h Handler) *Registry {
	return &Registry{
		streams: make(map[string]*Stream),
		handler: h,
	}
}

// Register creates a stream for key and returns the writer the transport
// feeds. A key can be active only once.
func (r *Registry) Register(key string, src Source) (*Stream, io.Writer, error) {
	pr, pw := io.Pipe()
	s := &Stream{
		Key:       key,
		Source:    src,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicate, key)
	}
	r.streams[key] = s
	r.mu.Unlock()

	if r.handler != nil {
		go r.handler(s)
	}
	return s, pw, nil
}

// Unregister removes key, ending its Input with EOF.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s, ok := r.streams[key]
	delete(r.streams, key)
	r.mu.Unlock()

	if ok {
		s.close()
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Active reports whether key is registered.
func (r *Registry) Active(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// List returns the stats of every active stream, sorted by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// Copy moves bytes from a transport connection into a registered stream
// until either side fails. It returns nil when src reaches EOF.
func Copy(s *Stream, w io.Writer, src io.Reader, bufSize int) error {
	buf := make([]byte, bufSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("ingest: deliver %s: %w", s.Key, werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
