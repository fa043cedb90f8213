package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/zsiec/kvsaudio/internal/ingest/srt"
)

// Handler returns the HTTP API:
//
//	GET    /api/streams          KVS streams with demux and pipeline counters
//	GET    /api/streams/{name}   one KVS stream
//	GET    /api/ingest           raw ingest connections
//	GET    /api/srt-pull         active pulls
//	POST   /api/srt-pull         start a pull
//	DELETE /api/srt-pull         stop the pull named by ?streamKey=
//	GET    /healthz
//	GET    /metrics              when Config.MetricsHandler is set
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", g.handleListStreams)
	mux.HandleFunc("GET /api/streams/{name}", g.handleGetStream)
	mux.HandleFunc("GET /api/ingest", g.handleListIngest)
	mux.HandleFunc("GET /api/srt-pull", g.handleSRTPullList)
	mux.HandleFunc("POST /api/srt-pull", g.handleSRTPullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", g.handleSRTPullStop)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if g.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", g.cfg.MetricsHandler)
	}
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (g *Gateway) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.streams.Statuses())
}

func (g *Gateway) handleGetStream(w http.ResponseWriter, r *http.Request) {
	s, ok := g.streams.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (g *Gateway) handleListIngest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.registry.List())
}

func (g *Gateway) handleSRTPullList(w http.ResponseWriter, _ *http.Request) {
	pulls := g.caller.ActivePulls()
	slices.SortFunc(pulls, func(a, b srt.PullRequest) int { return strings.Compare(a.StreamKey, b.StreamKey) })
	writeJSON(w, http.StatusOK, pulls)
}

// The pull endpoint dials arbitrary addresses; expose the API only to
// operators.
func (g *Gateway) handleSRTPullCreate(w http.ResponseWriter, r *http.Request) {
	var req srt.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := g.caller.Pull(g.ctx, req); err != nil {
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, srt.ErrMissingAddress), errors.Is(err, srt.ErrMissingKey):
			code = http.StatusBadRequest
		case errors.Is(err, srt.ErrPullActive):
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"status":    "pulling",
		"streamKey": req.StreamKey,
		"stream":    g.StreamName(req.StreamKey),
	})
}

func (g *Gateway) handleSRTPullStop(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("streamKey")
	if key == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := g.caller.Stop(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": key})
}
