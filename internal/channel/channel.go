// Package channel implements the ordered, asynchronous boundary between
// a front end and a session manager. Submissions flow in on one bounded
// queue, events flow out on another; each side has a single consumer.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/codefionn/schmiede/internal/protocol"
)

// ErrClosed is returned when submitting or emitting on a closed channel.
var ErrClosed = errors.New("channel closed")

// DefaultBuffer is the queue depth used when none is configured.
// Producers block (backpressure) once the buffer fills.
const DefaultBuffer = 64

// Channel is the bidirectional queue pair owned by one session.
type Channel struct {
	submissions chan protocol.Submission
	events      chan protocol.Event

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a channel pair with the given buffer depth per direction.
func New(buffer int) *Channel {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Channel{
		submissions: make(chan protocol.Submission, buffer),
		events:      make(chan protocol.Event, buffer),
		closed:      make(chan struct{}),
	}
}

// Submit enqueues a submission, blocking while the queue is full.
func (c *Channel) Submit(ctx context.Context, sub protocol.Submission) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	select {
	case c.submissions <- sub:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submissions returns the receive side consumed by the session manager.
func (c *Channel) Submissions() <-chan protocol.Submission {
	return c.submissions
}

// Emit enqueues an event, blocking while the queue is full.
func (c *Channel) Emit(ctx context.Context, msg protocol.EventMsg) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	ev := protocol.Event{ID: protocol.NewID(), Msg: msg}
	select {
	case c.events <- ev:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side consumed by the front end.
func (c *Channel) Events() <-chan protocol.Event {
	return c.events
}

// Close shuts both directions down. Safe to call more than once.
// Queued items already accepted remain readable until drained.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}
