package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"controlplane/internal/schema"
	"controlplane/pkg/exception"
)

var (
	ErrQueueFull   = exception.ErrMailboxFull
	ErrQueueClosed = exception.ErrMailboxClosed
)

// Envelope is the unit passed through a mailbox.
type Envelope struct {
	// Seq is a trace id shared across mailboxes.
	Seq    uint64
	From   schema.SinkID
	To     schema.SinkID
	SentNs int64
	Msg    schema.Message
}

// Mailbox is a bounded, non-blocking multi-producer queue drained by one consumer.
type Mailbox struct {
	ch      chan Envelope
	mu      sync.RWMutex
	closed  bool
	running atomic.Bool
	exited  atomic.Bool
}

// NewMailbox allocates a mailbox with the given capacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{ch: make(chan Envelope, capacity)}
}

// TryPublish enqueues an envelope without blocking.
func (q *Mailbox) TryPublish(e Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the mailbox from accepting new envelopes. Already queued envelopes are still
// delivered by Run.
func (q *Mailbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// IsClosed reports whether Close was called.
func (q *Mailbox) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Len returns the number of queued envelopes.
func (q *Mailbox) Len() int {
	return len(q.ch)
}

// Cap returns the mailbox capacity.
func (q *Mailbox) Cap() int {
	return cap(q.ch)
}

// Run consumes envelopes until the context is done or the mailbox is closed and drained.
// Only one Run may be active per mailbox.
func (q *Mailbox) Run(ctx context.Context, handler func(Envelope)) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	defer q.exited.Store(true)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

// Exited reports whether a Run loop has returned.
func (q *Mailbox) Exited() bool {
	return q.exited.Load()
}
