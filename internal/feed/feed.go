package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

// DefaultLimit caps a single Poll when the caller passes no limit.
const DefaultLimit = 100

// Feed serves events from the store to polling subscribers.
//
// Thread-safety: all methods are safe for concurrent use. Any number of
// pollers may wait on the same subscriber.
type Feed struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
	limit  int

	mu      sync.Mutex
	waiters map[string]chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Feed.
type Option func(*Feed)

// WithClock sets the clock used for poll timeouts.
func WithClock(c clock.Clock) Option {
	return func(f *Feed) {
		f.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		f.logger = l
	}
}

// WithDefaultLimit sets the page size used when Poll is called with limit <= 0.
func WithDefaultLimit(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.limit = n
		}
	}
}

// New creates a feed over the store and registers for its append
// notifications.
func New(st *store.Store, opts ...Option) *Feed {
	f := &Feed{
		store:   st,
		clock:   clock.New(),
		logger:  slog.Default(),
		limit:   DefaultLimit,
		waiters: make(map[string]chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	st.OnAppend(f.notify)
	return f
}

// Poll returns up to limit events for subscriberID with seq > after.
//
// If none exist yet, Poll waits until one is appended, the timeout elapses,
// ctx is cancelled or the feed is closed. Timeout and close yield an empty
// slice with a nil error; cancellation yields ctx.Err(). A zero timeout
// never waits.
func (f *Feed) Poll(ctx context.Context, subscriberID string, after int64, timeout time.Duration, limit int) ([]market.Event, error) {
	if limit <= 0 {
		limit = f.limit
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := f.clock.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		// Take the wake channel before reading so an append that commits
		// between the read and the wait is not missed.
		wake := f.wait(subscriberID)

		events, err := f.store.ReadEvents(ctx, subscriberID, after, limit)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
		if expired == nil {
			return []market.Event{}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return []market.Event{}, nil
		case <-f.done:
			return []market.Event{}, nil
		case <-wake:
		}
	}
}

// Ack acknowledges every event up to and including uptoSeq and removes them
// from the log. Sequence numbering is unaffected.
func (f *Feed) Ack(ctx context.Context, subscriberID string, uptoSeq int64) (int64, error) {
	removed, err := f.store.AckEvents(ctx, subscriberID, uptoSeq)
	if err != nil {
		return 0, err
	}
	f.logger.Debug("events acknowledged",
		"subscriber", subscriberID,
		"upto", uptoSeq,
		"removed", removed,
	)
	return removed, nil
}

// LastSeq returns the highest sequence number assigned to the subscriber.
func (f *Feed) LastSeq(ctx context.Context, subscriberID string) (int64, error) {
	return f.store.LastSeq(ctx, subscriberID)
}

// Close wakes every waiting poller. Subsequent polls do not wait.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
	})
}

// wait returns the channel that is closed on the next append for the
// subscriber.
func (f *Feed) wait(subscriberID string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.waiters[subscriberID]
	if !ok {
		ch = make(chan struct{})
		f.waiters[subscriberID] = ch
	}
	return ch
}

// notify is the store append hook. It wakes pollers of every subscriber
// that received events.
func (f *Feed) notify(events []market.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ev := range events {
		if ch, ok := f.waiters[ev.SubscriberID]; ok {
			close(ch)
			delete(f.waiters, ev.SubscriberID)
		}
	}
}
