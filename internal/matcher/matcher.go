// Package matcher turns newly known subscriptions into negotiation chains.
//
// For a new subscription of kind K the matcher evaluates every active
// subscription of the opposite kind with constraint.MatchKind. Each strong
// or weak pair gets exactly one chain root, enforced by the store's
// insert-if-absent on (offer, demand) and a chain id derived from the pair.
// The root always carries the offer's terms and is issued by the provider,
// whichever side arrived first, so every node that sees the pair stores the
// same root. It is announced to the demand when the demand is local, since
// the requestor is the party expected to respond.
//
// All matches are emitted; there is no ranking.
package matcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raulk/clock"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/metrics"
	"github.com/roach88/agora/internal/store"
)

// CandidateSource lists active subscriptions of a kind.
// Implemented by *registry.Registry.
type CandidateSource interface {
	Candidates(kind market.Kind) []market.Subscription
}

// Matcher opens negotiation chains for matching pairs.
//
// Thread-safety: safe for concurrent use; concurrent passes that find the
// same pair create one chain.
type Matcher struct {
	store      *store.Store
	candidates CandidateSource
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithClock sets the clock used for creation times.
func WithClock(c clock.Clock) Option {
	return func(m *Matcher) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Matcher) {
		m.metrics = mt
	}
}

// New creates a matcher reading candidates from src.
func New(st *store.Store, src CandidateSource, opts ...Option) *Matcher {
	m := &Matcher{
		store:      st,
		candidates: src,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result describes one chain opened by a matching pass.
type Result struct {
	ChainID   market.ChainID
	OfferID   market.SubscriptionID
	DemandID  market.SubscriptionID
	MatchKind constraint.Kind
}

// MatchNew runs a matching pass for sub. It satisfies registry.Matcher.
func (m *Matcher) MatchNew(ctx context.Context, sub market.Subscription) error {
	_, err := m.Match(ctx, sub)
	return err
}

// Match evaluates sub against every active opposite-kind candidate and opens
// a chain for each strong or weak pair that has none yet. Returns the chains
// created by this pass.
func (m *Matcher) Match(ctx context.Context, sub market.Subscription) ([]Result, error) {
	if sub.Expired(m.clock.Now()) {
		return nil, nil
	}

	var results []Result
	for _, cand := range m.candidates.Candidates(sub.Kind.Opposite()) {
		offer, demand := sub, cand
		if sub.Kind == market.KindDemand {
			offer, demand = cand, sub
		}

		kind := constraint.MatchKind(offer.Side(), demand.Side())
		if !kind.IsMatch() {
			continue
		}

		res, created, err := m.openChain(ctx, offer, demand, kind)
		if err != nil {
			return results, err
		}
		if created {
			results = append(results, res)
		}
	}
	return results, nil
}

// openChain inserts the chain root for a pair and, when the demand is local,
// the ProposalReceived event announcing it. Both commit together.
func (m *Matcher) openChain(ctx context.Context, offer, demand market.Subscription, kind constraint.Kind) (Result, bool, error) {
	now := m.clock.Now().UTC()
	chainID := market.ChainIDFor(offer.ID, demand.ID)
	rootID := market.ProposalID(chainID)

	chain := market.Chain{
		ID:            chainID,
		OfferID:       offer.ID,
		DemandID:      demand.ID,
		ProviderNode:  offer.Issuer,
		RequestorNode: demand.Issuer,
		TipID:         rootID,
		State:         market.ChainOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	root := market.Proposal{
		ID:          rootID,
		ChainID:     chainID,
		OfferID:     offer.ID,
		DemandID:    demand.ID,
		Issuer:      market.RoleProvider,
		IssuerNode:  offer.Issuer,
		State:       market.ProposalDraft,
		Properties:  offer.Properties.Clone(),
		Constraints: offer.Constraints,
		MatchKind:   kind,
		CreatedAt:   now,
	}

	var created bool
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		_, inserted, err := tx.InsertChain(ctx, chain, root)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		created = true

		if !demand.Local {
			return nil
		}
		ev := market.NewEvent(string(demand.ID), market.EventProposalReceived, market.EventDetail{
			Issuer:    root.Issuer,
			MatchKind: kind.String(),
		}, now)
		ev.ChainID = chainID
		ev.ProposalID = rootID
		_, err = tx.AppendEvent(ctx, ev)
		return err
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("open chain %s/%s: %w", offer.ID, demand.ID, err)
	}

	res := Result{ChainID: chainID, OfferID: offer.ID, DemandID: demand.ID, MatchKind: kind}
	if created {
		m.metrics.Matched(kind)
		m.logger.Info("chain opened",
			"chain_id", chainID,
			"offer_id", offer.ID,
			"demand_id", demand.ID,
			"match_kind", kind.String(),
		)
	}
	return res, created, nil
}
