// Package srt carries MPEG-TS over SRT into the ingest registry, either by
// accepting publishers (Server) or by dialing remote listeners (Caller).
package srt

import (
	"strings"
	"time"
)

// readBufferSize holds ten SRT payloads of seven TS packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency, 120ms.
const latencyNs = 120_000_000

// DefaultDialTimeout bounds a Caller's connection attempt.
const DefaultDialTimeout = 10 * time.Second

// StreamKey derives the ingest key from an SRT stream id. Leading "/" and
// "live/" are dropped; an empty id maps to "default".
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
