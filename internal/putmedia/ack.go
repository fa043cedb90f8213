package putmedia

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// AckEventType is the EventType field of a PutMedia acknowledgement.
type AckEventType string

// Acknowledgement event types sent by the service for each fragment.
const (
	AckReceived  AckEventType = "RECEIVED"
	AckBuffering AckEventType = "BUFFERING"
	AckPersisted AckEventType = "PERSISTED"
	AckError     AckEventType = "ERROR"
	AckIdle      AckEventType = "IDLE"
)

// Ack is one acknowledgement object from the PutMedia response body.
type Ack struct {
	EventType        AckEventType `json:"EventType"`
	FragmentTimecode int64        `json:"FragmentTimecode,omitempty"`
	FragmentNumber   string       `json:"FragmentNumber,omitempty"`
	ErrorID          int          `json:"ErrorId,omitempty"`
	ErrorCode        string       `json:"ErrorCode,omitempty"`
}

// IsError reports whether the service rejected the fragment.
func (a Ack) IsError() bool {
	return a.EventType == AckError
}

// FragmentError describes a fragment the service refused.
type FragmentError struct {
	Ack Ack
}

func (e *FragmentError) Error() string {
	if e.Ack.ErrorCode != "" {
		return fmt.Sprintf("putmedia: fragment %s at %dms rejected: %s (%d)",
			e.Ack.FragmentNumber, e.Ack.FragmentTimecode, e.Ack.ErrorCode, e.Ack.ErrorID)
	}
	return fmt.Sprintf("putmedia: fragment %s at %dms rejected: error %d",
		e.Ack.FragmentNumber, e.Ack.FragmentTimecode, e.Ack.ErrorID)
}

// readAcks decodes consecutive JSON acknowledgements from r and hands each
// to fn until r is exhausted. A clean end of stream returns nil.
func readAcks(r io.Reader, fn func(Ack)) error {
	dec := json.NewDecoder(r)
	for {
		var a Ack
		if err := dec.Decode(&a); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("putmedia: decode ack: %w", err)
		}
		if a.EventType == "" {
			continue
		}
		fn(a)
	}
}
