package negotiation

import (
	"context"
	"log/slog"
	"time"

	"github.com/raulk/clock"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/metrics"
	"github.com/roach88/agora/internal/store"
)

// DefaultAgreementTTL is how long a promoted agreement stays valid when the
// caller gives no ValidTo.
const DefaultAgreementTTL = time.Hour

// Negotiator applies negotiation operations to stored chains.
//
// Thread-safety: safe for concurrent use. Serialization per chain comes
// from the store's compare-and-swap, not from locks held here.
type Negotiator struct {
	store     *store.Store
	ids       market.IDGenerator
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport market.Transport

	defaultTTL        time.Duration
	requireSignatures bool
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithIDGenerator sets the generator for proposal and agreement ids.
func WithIDGenerator(g market.IDGenerator) Option {
	return func(n *Negotiator) {
		n.ids = g
	}
}

// WithClock sets the clock used for creation and validity times.
func WithClock(c clock.Clock) Option {
	return func(n *Negotiator) {
		n.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		n.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Negotiator) {
		n.metrics = m
	}
}

// WithTransport sets the transport used to reach remote counterparties.
func WithTransport(t market.Transport) Option {
	return func(n *Negotiator) {
		n.transport = t
	}
}

// WithDefaultAgreementTTL sets the validity used when Promote gets no ValidTo.
func WithDefaultAgreementTTL(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.defaultTTL = d
		}
	}
}

// WithRequireSignatures makes Promote reject an empty proposed signature.
func WithRequireSignatures(required bool) Option {
	return func(n *Negotiator) {
		n.requireSignatures = required
	}
}

// New creates a negotiator over the store.
func New(st *store.Store, opts ...Option) *Negotiator {
	n := &Negotiator{
		store:      st,
		ids:        market.UUIDv7Generator{},
		clock:      clock.New(),
		logger:     slog.Default(),
		transport:  market.NopTransport{},
		defaultTTL: DefaultAgreementTTL,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Chain returns a chain by id.
func (n *Negotiator) Chain(ctx context.Context, id market.ChainID) (market.Chain, error) {
	return n.store.ReadChain(ctx, id)
}

// Proposal returns a proposal by id.
func (n *Negotiator) Proposal(ctx context.Context, id market.ProposalID) (market.Proposal, error) {
	return n.store.ReadProposal(ctx, id)
}

// History returns the proposals of a chain from the root to the current tip,
// following prev links back from the tip.
func (n *Negotiator) History(ctx context.Context, id market.ChainID) ([]market.Proposal, error) {
	chain, err := n.store.ReadChain(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := n.store.ReadChainProposals(ctx, id)
	if err != nil {
		return nil, err
	}

	byID := make(map[market.ProposalID]market.Proposal, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}

	var walk []market.Proposal
	for cur := chain.TipID; cur != ""; {
		p, ok := byID[cur]
		if !ok {
			return nil, market.NewNotFoundError("proposal", string(cur))
		}
		walk = append(walk, p)
		cur = p.PrevID
	}

	for i, j := 0, len(walk)-1; i < j; i, j = i+1, j-1 {
		walk[i], walk[j] = walk[j], walk[i]
	}
	return walk, nil
}

// send notifies a remote peer after a committed change. Failures are logged:
// the local transition stands and the peer converges through expiry.
func (n *Negotiator) send(ctx context.Context, peer market.NodeID, msg market.Message) {
	if err := n.transport.SendTo(ctx, peer, msg); err != nil {
		n.logger.Warn("failed to notify peer",
			"peer", peer,
			"type", msg.Type,
			"chain_id", msg.ChainID,
			"error", err,
		)
	}
}

// isLocal reports whether a subscription was published on this node.
func isLocal(ctx context.Context, tx *store.Tx, id market.SubscriptionID) (bool, error) {
	rec, err := tx.Subscription(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Local, nil
}
