package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/props"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSubscription(id string, kind market.Kind, issuer string) market.Subscription {
	return market.Subscription{
		ID:          market.SubscriptionID(id),
		Kind:        kind,
		Issuer:      market.NodeID(issuer),
		Properties:  props.New(props.P("cpu", props.Number(4)), props.P("arch", props.String("x86_64"))),
		Constraints: constraint.MustParse("(price<=2)"),
		CreatedAt:   t0,
		Local:       true,
	}
}

func testChain(id, offer, demand string) (market.Chain, market.Proposal) {
	chain := market.Chain{
		ID:            market.ChainID(id),
		OfferID:       market.SubscriptionID(offer),
		DemandID:      market.SubscriptionID(demand),
		ProviderNode:  "node-p",
		RequestorNode: "node-r",
		TipID:         market.ProposalID(id),
		State:         market.ChainOpen,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
	root := market.Proposal{
		ID:          market.ProposalID(id),
		ChainID:     market.ChainID(id),
		Issuer:      market.RoleProvider,
		IssuerNode:  "node-p",
		State:       market.ProposalDraft,
		Properties:  props.New(props.P("price", props.Number(1.5))),
		Constraints: constraint.Always(),
		MatchKind:   constraint.Strong,
		CreatedAt:   t0,
	}
	return chain, root
}

func reply(id string, prev market.Proposal, by market.Role) market.Proposal {
	return market.Proposal{
		ID:          market.ProposalID(id),
		ChainID:     prev.ChainID,
		Issuer:      by,
		IssuerNode:  "node-x",
		State:       market.ProposalDraft,
		PrevID:      prev.ID,
		Properties:  props.New(props.P("price", props.Number(1.2))),
		Constraints: constraint.Always(),
		MatchKind:   constraint.Strong,
		CreatedAt:   t0.Add(time.Second),
	}
}

// seedChain stores offer, demand and a chain between them.
func seedChain(t *testing.T, s *Store, id string) (market.Chain, market.Proposal) {
	t.Helper()
	ctx := context.Background()
	offer := testSubscription("offer-"+id, market.KindOffer, "node-p")
	demand := testSubscription("demand-"+id, market.KindDemand, "node-r")
	chain, root := testChain(id, string(offer.ID), string(demand.ID))

	err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.InsertSubscription(ctx, offer, market.SubscriptionActive); err != nil {
			return err
		}
		if _, err := tx.InsertSubscription(ctx, demand, market.SubscriptionActive); err != nil {
			return err
		}
		_, _, err := tx.InsertChain(ctx, chain, root)
		return err
	})
	require.NoError(t, err)
	return chain, root
}

func testAgreement(id string, chain market.Chain, proposal market.ProposalID) market.Agreement {
	return market.Agreement{
		ID:                market.AgreementID(id),
		ChainID:           chain.ID,
		ProposalID:        proposal,
		OfferID:           chain.OfferID,
		DemandID:          chain.DemandID,
		ProviderID:        chain.ProviderNode,
		RequestorID:       chain.RequestorNode,
		OfferSnapshot:     props.New(props.P("cpu", props.Number(4))),
		DemandSnapshot:    props.New(props.P("price", props.Number(1.5))),
		State:             market.AgreementProposal,
		ProposedSignature: []byte("sig-r"),
		ValidTo:           t0.Add(time.Hour),
		CreatedAt:         t0,
		UpdatedAt:         t0,
	}
}
