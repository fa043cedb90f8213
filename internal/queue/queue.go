// Package queue implements the bounded frame queue between a frame source
// and the rate-controlled PutMedia sender. When the sender falls behind for
// longer than the offer timeout, the oldest frame is evicted so the stream
// stays close to live.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zsiec/kvsaudio/internal/media"
)

// DefaultCapacity bounds the queue at 1000 frames (100 s of 100 ms audio).
const DefaultCapacity = 1000

// Errors returned by Poll.
var (
	ErrTimeout = errors.New("queue: poll timed out")
	ErrClosed  = errors.New("queue: closed")
)

// Queue is a fixed-capacity FIFO of frames, safe for one producer and one
// consumer (and any number of observers).
type Queue struct {
	mu     sync.Mutex
	buf    []*media.AudioFrame
	head   int
	count  int
	closed bool

	// notEmpty and notFull are closed and replaced on every state change
	// that can unblock a waiter.
	notEmpty chan struct{}
	notFull  chan struct{}
}

// New returns an empty queue holding at most capacity frames. A capacity
// below one selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{
		buf:      make([]*media.AudioFrame, capacity),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Cap returns the capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Offer appends f, waiting up to wait for space. If the queue is still full
// after the wait, the oldest frame is removed and returned as evicted and f
// is appended. Offering to a closed queue returns ErrClosed.
func (q *Queue) Offer(ctx context.Context, f *media.AudioFrame, wait time.Duration) (evicted *media.AudioFrame, err error) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.count < len(q.buf) {
			q.push(f)
			q.mu.Unlock()
			return nil, nil
		}
		notFull := q.notFull
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		}

		select {
		case <-notFull:
		case <-timer.C:
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.closed {
				return nil, ErrClosed
			}
			if q.count == len(q.buf) {
				evicted = q.pop()
			}
			q.push(f)
			return evicted, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Poll removes and returns the oldest frame, waiting up to wait for one to
// arrive. It returns ErrTimeout when nothing arrived in time and ErrClosed
// once the queue is closed and drained.
func (q *Queue) Poll(ctx context.Context, wait time.Duration) (*media.AudioFrame, error) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.count > 0 {
			f := q.pop()
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		notEmpty := q.notEmpty
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		}

		select {
		case <-notEmpty:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops further offers. Frames already queued can still be polled.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
	close(q.notFull)
	q.notFull = make(chan struct{})
}

// WaitEmpty blocks until the queue holds no frames or ctx is done.
func (q *Queue) WaitEmpty(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.count == 0 {
			q.mu.Unlock()
			return nil
		}
		notFull := q.notFull
		q.mu.Unlock()

		select {
		case <-notFull:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// push and pop require q.mu.

func (q *Queue) push(f *media.AudioFrame) {
	q.buf[(q.head+q.count)%len(q.buf)] = f
	q.count++
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

func (q *Queue) pop() *media.AudioFrame {
	f := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	close(q.notFull)
	q.notFull = make(chan struct{})
	return f
}
