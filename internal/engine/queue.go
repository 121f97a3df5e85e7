package engine

import (
	"sync"

	"github.com/roach88/agora/internal/market"
)

// inbox is a FIFO queue of peer messages waiting for the Run loop.
//
// It is unbounded so a transport goroutine never blocks on a slow sweep.
// A one-slot signal channel lets Run wait on the queue and its context in
// the same select.
type inbox struct {
	mu       sync.Mutex
	messages []market.Message
	closed   bool
	signal   chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		messages: make([]market.Message, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a message. Returns false once the inbox is closed.
func (q *inbox) Enqueue(msg market.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, msg)

	// Non-blocking: the single slot coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the oldest message without blocking.
func (q *inbox) TryDequeue() (market.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return market.Message{}, false
	}
	msg := q.messages[0]

	// Clear the slot so the backing array does not pin the message.
	q.messages[0] = market.Message{}
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return msg, true
}

// Wait returns a channel that fires when messages may be available. It is
// closed by Close.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Closed reports whether Close has been called.
func (q *inbox) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting messages and wakes the waiter.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
