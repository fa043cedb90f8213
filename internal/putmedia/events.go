package putmedia

import (
	"context"
	"sync"
)

// EventKind tags an Event.
type EventKind int

// Session lifecycle events, in the order a healthy session produces them:
// any number of EventAck, then one EventStreamingComplete.
const (
	EventAck EventKind = iota
	EventErrorAck
	EventConnectionLost
	EventConnectionRestored
	EventStreamingComplete
	EventStreamingError
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventErrorAck:
		return "error-ack"
	case EventConnectionLost:
		return "connection-lost"
	case EventConnectionRestored:
		return "connection-restored"
	case EventStreamingComplete:
		return "streaming-complete"
	case EventStreamingError:
		return "streaming-error"
	default:
		return "unknown"
	}
}

// Event is one notification from a Dispatcher. Ack is set for the ack
// kinds; Err is set for EventConnectionLost and EventStreamingError.
type Event struct {
	Kind EventKind
	Ack  Ack
	Err  error
}

// Dispatcher turns transport outcomes and acknowledgements into a
// well-ordered event sequence. One Dispatcher spans every connection of a
// pipeline so a loss on one session is restored by the first ack of the
// next:
//
//   - repeated failures produce a single EventConnectionLost
//   - the first ack after a loss produces exactly one EventConnectionRestored
//   - EventStreamingComplete is never emitted while the connection is lost
//   - after a terminal event nothing more is emitted
//
// Events are delivered on the channel passed to NewDispatcher. Sends block
// until the receiver is ready or ctx is done.
type Dispatcher struct {
	ctx    context.Context
	events chan<- Event

	mu       sync.Mutex
	lost     bool
	terminal bool
	acks     int64
}

// NewDispatcher returns a Dispatcher delivering to events. A nil channel
// discards every event.
func NewDispatcher(ctx context.Context, events chan<- Event) *Dispatcher {
	return &Dispatcher{ctx: ctx, events: events}
}

// OnAck records an acknowledgement from the service.
func (d *Dispatcher) OnAck(a Ack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal {
		return
	}
	d.acks++
	if d.lost {
		d.lost = false
		d.emit(Event{Kind: EventConnectionRestored})
	}
	d.emit(Event{Kind: EventAck, Ack: a})
	if a.IsError() {
		err := &FragmentError{Ack: a}
		d.emit(Event{Kind: EventErrorAck, Ack: a, Err: err})
		d.emit(Event{Kind: EventStreamingError, Ack: a, Err: err})
	}
}

// OnFailure records a transport failure. Only the first failure of an
// outage is reported.
func (d *Dispatcher) OnFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal || d.lost {
		return
	}
	d.lost = true
	d.emit(Event{Kind: EventConnectionLost, Err: err})
}

// OnComplete records a clean end of streaming. It is ignored while the
// connection is considered lost.
func (d *Dispatcher) OnComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal || d.lost {
		return
	}
	d.terminal = true
	d.emit(Event{Kind: EventStreamingComplete})
}

// OnTerminalError ends the event sequence with a streaming error, for
// example once reconnect attempts are exhausted.
func (d *Dispatcher) OnTerminalError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminal {
		return
	}
	d.terminal = true
	d.emit(Event{Kind: EventStreamingError, Err: err})
}

// Lost reports whether the connection is currently considered lost.
func (d *Dispatcher) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Acks returns the number of acknowledgements received so far.
func (d *Dispatcher) Acks() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks
}

// Terminal reports whether a terminal event has been emitted.
func (d *Dispatcher) Terminal() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminal
}

// emit requires d.mu.
func (d *Dispatcher) emit(ev Event) {
	if d.events == nil {
		return
	}
	var done <-chan struct{}
	if d.ctx != nil {
		done = d.ctx.Done()
	}
	select {
	case d.events <- ev:
	case <-done:
	}
}
