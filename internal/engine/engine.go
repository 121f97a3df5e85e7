package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/roach88/agora/internal/agreement"
	"github.com/roach88/agora/internal/config"
	"github.com/roach88/agora/internal/feed"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/matcher"
	"github.com/roach88/agora/internal/metrics"
	"github.com/roach88/agora/internal/negotiation"
	"github.com/roach88/agora/internal/registry"
	"github.com/roach88/agora/internal/store"
)

// Engine is one marketplace node.
//
// Thread-safety model:
//   - local operations and HandleMessage: safe from any goroutine
//   - Deliver: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	node      market.NodeID
	store     *store.Store
	ownsStore bool
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport market.Transport
	ids       market.IDGenerator

	sweepInterval     time.Duration
	remoteCacheSize   int
	agreementTTL      time.Duration
	requireSignatures bool
	pollLimit         int

	registry   *registry.Registry
	matcher    *matcher.Matcher
	negotiator *negotiation.Negotiator
	agreements *agreement.Manager
	feed       *feed.Feed

	inbox     *inbox
	parked    []parkedMessage // Run goroutine only
	closeOnce sync.Once
	closeErr  error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMetrics sets the metrics sink. By default each engine gets its own.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithIDGenerator sets the generator for proposal and agreement ids.
func WithIDGenerator(g market.IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithTransport sets the transport to peers.
func WithTransport(t market.Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithSweepInterval sets how often Run expires subscriptions and agreements.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithRemoteCacheSize bounds the number of remote subscriptions indexed.
func WithRemoteCacheSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.remoteCacheSize = n
		}
	}
}

// WithDefaultAgreementTTL sets the validity of agreements promoted without
// an explicit ValidTo.
func WithDefaultAgreementTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.agreementTTL = d
		}
	}
}

// WithRequireSignatures makes Promote and Approve reject empty signatures.
func WithRequireSignatures(required bool) Option {
	return func(e *Engine) {
		e.requireSignatures = required
	}
}

// WithPollLimit sets the page size of feed polls made without a limit.
func WithPollLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pollLimit = n
		}
	}
}

// ConfigOptions translates a config file into engine options.
func ConfigOptions(cfg config.Config) []Option {
	return []Option{
		WithSweepInterval(cfg.SweepInterval),
		WithRemoteCacheSize(cfg.RemoteCacheSize),
		WithDefaultAgreementTTL(cfg.DefaultAgreementTTL),
		WithRequireSignatures(cfg.RequireSignatures),
		WithPollLimit(cfg.PollLimit),
	}
}

// Open opens the configured database and starts an engine that owns it.
// Options are applied after the config, so they win.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	e, err := New(ctx, st, market.NodeID(cfg.NodeID), append(ConfigOptions(cfg), opts...)...)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	e.ownsStore = true
	return e, nil
}

// New builds an engine over an open store and reloads the subscription
// index from it. The caller keeps ownership of the store.
func New(ctx context.Context, st *store.Store, node market.NodeID, opts ...Option) (*Engine, error) {
	if node == "" {
		return nil, fmt.Errorf("engine: node id is required")
	}
	e := &Engine{
		node:            node,
		store:           st,
		clock:           clock.New(),
		logger:          slog.Default(),
		transport:       market.NopTransport{},
		ids:             market.UUIDv7Generator{},
		sweepInterval:   config.DefaultSweepInterval,
		remoteCacheSize: config.DefaultRemoteCacheSize,
		agreementTTL:    config.DefaultAgreementTTL,
		pollLimit:       config.DefaultPollLimit,
		inbox:           newInbox(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	logger := e.logger.With("node", string(node))

	reg, err := registry.New(st, node,
		registry.WithClock(e.clock),
		registry.WithLogger(logger),
		registry.WithMetrics(e.metrics),
		registry.WithRemoteCacheSize(e.remoteCacheSize),
	)
	if err != nil {
		return nil, err
	}
	e.registry = reg
	e.matcher = matcher.New(st, reg,
		matcher.WithClock(e.clock),
		matcher.WithLogger(logger),
		matcher.WithMetrics(e.metrics),
	)
	e.negotiator = negotiation.New(st,
		negotiation.WithIDGenerator(e.ids),
		negotiation.WithClock(e.clock),
		negotiation.WithLogger(logger),
		negotiation.WithMetrics(e.metrics),
		negotiation.WithTransport(e.transport),
		negotiation.WithDefaultAgreementTTL(e.agreementTTL),
		negotiation.WithRequireSignatures(e.requireSignatures),
	)
	e.agreements = agreement.New(st,
		agreement.WithClock(e.clock),
		agreement.WithLogger(logger),
		agreement.WithMetrics(e.metrics),
		agreement.WithTransport(e.transport),
		agreement.WithRequireSignatures(e.requireSignatures),
	)
	e.feed = feed.New(st,
		feed.WithClock(e.clock),
		feed.WithLogger(logger),
		feed.WithDefaultLimit(e.pollLimit),
	)

	reg.SetMatcher(e.matcher)
	reg.SetChainExpirer(e.negotiator)
	st.OnAppend(e.metrics.EventsAppended)

	if err := reg.Load(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	e.logger = logger
	return e, nil
}

// Node returns this node's id.
func (e *Engine) Node() market.NodeID { return e.node }

// Store returns the underlying store.
func (e *Engine) Store() *store.Store { return e.store }

// Registry returns the subscription registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Negotiator returns the negotiation engine.
func (e *Engine) Negotiator() *negotiation.Negotiator { return e.negotiator }

// Agreements returns the agreement lifecycle manager.
func (e *Engine) Agreements() *agreement.Manager { return e.agreements }

// Feed returns the event feed.
func (e *Engine) Feed() *feed.Feed { return e.feed }

// Metrics returns the metrics sink.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Clock returns the engine clock.
func (e *Engine) Clock() clock.Clock { return e.clock }

// Publish publishes a local subscription and broadcasts it to peers once
// stored. A matching failure is returned after the broadcast, with the id.
func (e *Engine) Publish(ctx context.Context, spec registry.Spec) (market.SubscriptionID, error) {
	id, err := e.registry.Publish(ctx, spec)
	if id == "" {
		return "", err
	}

	rec, getErr := e.registry.Get(ctx, id)
	if getErr != nil {
		return id, multierr.Append(err, getErr)
	}
	sub := rec.Subscription
	sub.Local = false
	if bErr := e.transport.Broadcast(ctx, sub); bErr != nil {
		e.logger.Warn("failed to broadcast subscription", "id", id, "error", bErr)
	}
	return id, err
}

// Unsubscribe deactivates a subscription.
func (e *Engine) Unsubscribe(ctx context.Context, id market.SubscriptionID) error {
	return e.registry.Unsubscribe(ctx, id)
}

// IngestRemote stores and matches a subscription broadcast by a peer.
func (e *Engine) IngestRemote(ctx context.Context, sub market.Subscription) (bool, error) {
	return e.registry.IngestRemote(ctx, sub)
}

// SweepResult counts what one sweep expired.
type SweepResult struct {
	Subscriptions int
	Agreements    int
}

// Sweep expires overdue subscriptions, their open chains, and overdue
// agreements, all as of the engine clock.
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	start := e.clock.Now()
	defer func() {
		e.metrics.ObserveSweep(e.clock.Since(start))
	}()

	var res SweepResult
	var err error
	res.Subscriptions, err = e.registry.ExpireSweep(ctx, start)
	if err != nil {
		return res, err
	}
	res.Agreements, err = e.agreements.ExpireSweep(ctx, start)
	if err != nil {
		return res, err
	}
	return res, nil
}

// HandleMessage applies a peer message synchronously. Every message kind is
// idempotent, so redelivery is harmless.
func (e *Engine) HandleMessage(ctx context.Context, msg market.Message) error {
	var err error
	switch msg.Type {
	case market.MsgCounter:
		err = e.negotiator.HandleCounter(ctx, msg)
	case market.MsgReject:
		err = e.negotiator.HandleReject(ctx, msg)
	case market.MsgAgreementProposed:
		err = e.negotiator.HandleAgreementProposed(ctx, msg)
	case market.MsgAgreementConfirmed,
		market.MsgAgreementApproved,
		market.MsgAgreementRejected,
		market.MsgAgreementCancelled,
		market.MsgAgreementTerminated:
		err = e.handleTransition(ctx, msg)
	default:
		err = market.NewInvalidStateError("handle "+string(msg.Type), string(msg.ChainID), "unknown message type")
	}
	if err != nil {
		return fmt.Errorf("handle %s from %s: %w", msg.Type, msg.From, err)
	}
	return nil
}

// handleTransition applies an agreement transition. A transition that
// overtakes its agreement_proposed message carries the agreement, which is
// stored first; the transition then applies on top of it.
func (e *Engine) handleTransition(ctx context.Context, msg market.Message) error {
	err := e.agreements.HandleMessage(ctx, msg)
	if msg.Agreement == nil || !market.IsCode(err, market.CodeNotFound) {
		return err
	}

	e.logger.Debug("transition arrived before its agreement",
		"type", msg.Type,
		"agreement_id", msg.Agreement.ID,
		"from", msg.From,
	)
	err = e.negotiator.HandleAgreementProposed(ctx, market.Message{
		Type:      market.MsgAgreementProposed,
		From:      msg.From,
		ChainID:   msg.ChainID,
		Agreement: msg.Agreement,
		Signature: msg.Agreement.ProposedSignature,
		SentAt:    msg.Agreement.CreatedAt,
	})
	if err != nil {
		return err
	}
	return e.agreements.HandleMessage(ctx, msg)
}

// Deliver queues a peer message for the Run loop. Returns false once the
// engine is closed.
func (e *Engine) Deliver(msg market.Message) bool {
	return e.inbox.Enqueue(msg)
}

// Run applies queued peer messages and sweeps expired records every sweep
// interval. It blocks until ctx is cancelled or the engine is closed.
//
// A message that refers to a record this node has not seen yet is parked
// and retried after the next message that applies and on every sweep tick,
// up to maxParkedAttempts times. Any other failure is logged and the message
// dropped; the sender's state converges through expiry.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.sweepInterval)
	defer ticker.Stop()

	e.logger.Info("engine starting", "sweep_interval", e.sweepInterval)
	for {
		if msg, ok := e.inbox.TryDequeue(); ok {
			if e.apply(ctx, parkedMessage{msg: msg}) {
				e.retryParked(ctx)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-ticker.C:
			e.retryParked(ctx)
			res, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("sweep failed", "error", err)
				continue
			}
			if res.Subscriptions > 0 || res.Agreements > 0 {
				e.logger.Info("sweep expired records",
					"subscriptions", res.Subscriptions,
					"agreements", res.Agreements,
				)
			}

		case <-e.inbox.Wait():
			if e.inbox.Closed() && e.inbox.Len() == 0 {
				e.logger.Info("engine stopping: closed")
				return nil
			}
		}
	}
}

const (
	maxParked         = 256
	maxParkedAttempts = 8
)

type parkedMessage struct {
	msg      market.Message
	attempts int
}

// apply handles one inbound message for Run and reports whether it applied.
// Messages that failed with NOT_FOUND go back to the parked list.
func (e *Engine) apply(ctx context.Context, p parkedMessage) bool {
	err := e.HandleMessage(ctx, p.msg)
	if err == nil {
		return true
	}

	p.attempts++
	if market.IsCode(err, market.CodeNotFound) && p.attempts <= maxParkedAttempts {
		if len(e.parked) >= maxParked {
			e.dropParked(e.parked[0], "parked queue full")
			e.parked = e.parked[1:]
		}
		e.parked = append(e.parked, p)
		e.logger.Debug("peer message parked",
			"type", p.msg.Type,
			"from", p.msg.From,
			"chain_id", p.msg.ChainID,
			"attempts", p.attempts,
		)
		return false
	}

	e.logger.Error("failed to apply peer message",
		"type", p.msg.Type,
		"from", p.msg.From,
		"chain_id", p.msg.ChainID,
		"attempts", p.attempts,
		"error", err,
	)
	return false
}

// retryParked re-applies parked messages until a full pass makes no
// progress.
func (e *Engine) retryParked(ctx context.Context) {
	for len(e.parked) > 0 {
		pending := e.parked
		e.parked = nil

		progress := false
		for _, p := range pending {
			if e.apply(ctx, p) {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func (e *Engine) dropParked(p parkedMessage, why string) {
	e.logger.Warn("dropping parked peer message",
		"type", p.msg.Type,
		"from", p.msg.From,
		"chain_id", p.msg.ChainID,
		"reason", why,
	)
}

// Close stops the Run loop, releases pollers, and closes the store if the
// engine opened it. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.inbox.Close()
		e.feed.Close()
		if e.ownsStore {
			e.closeErr = multierr.Append(e.closeErr, e.store.Close())
		}
	})
	return e.closeErr
}
