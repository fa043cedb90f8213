// Package stream tracks the KVS streams the gateway is feeding: which
// ingest key each one comes from, where it is in its lifecycle and the
// live counters of its demuxer and pipeline.
package stream

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/kvsaudio/internal/demux"
	"github.com/zsiec/kvsaudio/internal/pipeline"
)

// State is a stream's lifecycle stage.
type State string

const (
	// StateProbing waits for the first audio frame to learn the format.
	StateProbing   State = "probing"
	StateStreaming State = "streaming"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Status is a JSON snapshot of one stream.
type Status struct {
	Name      string          `json:"name"`
	IngestKey string          `json:"ingestKey"`
	State     State           `json:"state"`
	Error     string          `json:"error,omitempty"`
	Format    string          `json:"format,omitempty"`
	UptimeMs  int64           `json:"uptimeMs"`
	Demux     *demux.Stats    `json:"demux,omitempty"`
	Pipeline  *pipeline.Stats `json:"pipeline,omitempty"`
}

// Stream is one KVS stream fed from an ingest key.
type Stream struct {
	Name      string
	IngestKey string
	StartedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	state    State
	err      error
	format   string
	demuxer  *demux.Demuxer
	pipeline *pipeline.Pipeline
}

// Done is closed when the stream is removed from its Manager.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// AttachDemuxer exposes d's counters in Status.
func (s *Stream) AttachDemuxer(d *demux.Demuxer) {
	s.mu.Lock()
	s.demuxer = d
	s.mu.Unlock()
}

// Start records the audio format and the pipeline now carrying the stream.
func (s *Stream) Start(format string, p *pipeline.Pipeline) {
	s.mu.Lock()
	s.format = format
	s.pipeline = p
	s.state = StateStreaming
	s.mu.Unlock()
}

// Finish moves the stream to StateEnded, or StateFailed when err is set.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state, s.err = StateFailed, err
		return
	}
	s.state = StateEnded
}

// State returns the current lifecycle stage.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of s.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:      s.Name,
		IngestKey: s.IngestKey,
		State:     s.state,
		Format:    s.format,
		UptimeMs:  time.Since(s.StartedAt).Milliseconds(),
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	if s.demuxer != nil {
		ds := s.demuxer.Stats()
		st.Demux = &ds
	}
	if s.pipeline != nil {
		ps := s.pipeline.Stats()
		st.Pipeline = &ps
	}
	return st
}

// Manager tracks active streams by KVS stream name.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers name as fed by ingestKey. It returns false if name is
// already active: two ingest keys must never interleave clusters on one
// KVS stream.
func (m *Manager) Create(name, ingestKey string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.streams[name]; ok {
		m.log.Warn("stream already active, rejecting",
			"stream", name, "ingest_key", ingestKey, "active_key", cur.IngestKey)
		return nil, false
	}

	s := &Stream{
		Name:      name,
		IngestKey: ingestKey,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		state:     StateProbing,
	}
	m.streams[name] = s
	m.log.Info("stream created", "stream", name, "ingest_key", ingestKey)
	return s, true
}

// Remove drops name and closes its Done channel.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	s, ok := m.streams[name]
	if ok {
		delete(m.streams, name)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "stream", name, "state", s.State())
	}
}

// Get returns the stream registered as name.
func (m *Manager) Get(name string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[name]
	return s, ok
}

// List returns all active streams sorted by name.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	slices.SortFunc(streams, func(a, b *Stream) int { return strings.Compare(a.Name, b.Name) })
	return streams
}

// Statuses returns a snapshot of every active stream, sorted by name.
func (m *Manager) Statuses() []Status {
	streams := m.List()
	out := make([]Status, len(streams))
	for i, s := range streams {
		out[i] = s.Status()
	}
	return out
}
