package negotiation

import (
	"context"
	"time"

	"github.com/roach88/agora/internal/agreement"
	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

// PromoteParams are the caller-supplied parts of a new agreement.
type PromoteParams struct {
	// ValidTo bounds the agreement. Zero means now plus the default TTL.
	// It is clamped to the offer's expiry either way.
	ValidTo time.Time

	// ProposedSignature is the requestor's signature over the agreement.
	ProposedSignature []byte
}

// Promote turns the tip of a strongly matched chain into an agreement in
// state Proposal. The chain closes as Promoted and the tip becomes Accepted in
// the same transaction that stores the agreement.
//
// Only the requestor may promote. Errors are checked in this order:
// NOT_REQUESTOR, STALE_PROPOSAL, WEAK_MATCH, INVALID_STATE.
func (n *Negotiator) Promote(ctx context.Context, tip market.ProposalID, by market.Role, params PromoteParams) (market.AgreementID, error) {
	a, remote, err := n.promote(ctx, tip, by, params)
	n.metrics.ProposalOp("promote", err)
	if err != nil {
		return "", err
	}

	n.metrics.AgreementTransition(market.AgreementProposal)
	for _, peer := range remote {
		n.send(ctx, peer, market.Message{
			Type:      market.MsgAgreementProposed,
			From:      a.RequestorID,
			ChainID:   a.ChainID,
			Agreement: &a,
			Signature: a.ProposedSignature,
			SentAt:    a.CreatedAt,
		})
	}
	return a.ID, nil
}

func (n *Negotiator) promote(ctx context.Context, tip market.ProposalID, by market.Role, params PromoteParams) (market.Agreement, []market.NodeID, error) {
	if by != market.RoleRequestor {
		return market.Agreement{}, nil, market.NewNotRequestorError("promote", string(tip))
	}
	if n.requireSignatures && len(params.ProposedSignature) == 0 {
		return market.Agreement{}, nil, market.NewInvalidStateError("promote unsigned", string(tip), "missing proposed signature")
	}

	now := n.clock.Now().UTC()
	var (
		a      market.Agreement
		remote []market.NodeID
	)
	err := n.store.Update(ctx, func(tx *store.Tx) error {
		tipP, chain, err := loadTip(ctx, tx, tip)
		if err != nil {
			return err
		}
		if err := checkPromotable(chain, tipP); err != nil {
			return err
		}

		offer, err := tx.Subscription(ctx, chain.OfferID)
		if err != nil {
			return err
		}
		providerSide, err := partySide(ctx, tx, chain, market.RoleProvider)
		if err != nil {
			return err
		}
		requestorSide, err := partySide(ctx, tx, chain, market.RoleRequestor)
		if err != nil {
			return err
		}

		validTo := params.ValidTo
		if validTo.IsZero() {
			validTo = now.Add(n.defaultTTL)
		}
		if !offer.ExpiresAt.IsZero() && offer.ExpiresAt.Before(validTo) {
			validTo = offer.ExpiresAt
		}

		a = market.Agreement{
			ID:                market.AgreementID(n.ids.Generate()),
			ChainID:           chain.ID,
			ProposalID:        tipP.ID,
			OfferID:           chain.OfferID,
			DemandID:          chain.DemandID,
			ProviderID:        chain.ProviderNode,
			RequestorID:       chain.RequestorNode,
			OfferSnapshot:     providerSide.Properties.Clone(),
			DemandSnapshot:    requestorSide.Properties.Clone(),
			State:             market.AgreementProposal,
			ProposedSignature: params.ProposedSignature,
			ValidTo:           validTo.UTC(),
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		remote, err = n.storeAgreement(ctx, tx, chain, tipP, a)
		return err
	})
	if err != nil {
		return market.Agreement{}, nil, err
	}

	n.logger.Info("proposal promoted",
		"chain_id", a.ChainID,
		"proposal_id", a.ProposalID,
		"agreement_id", a.ID,
		"valid_to", a.ValidTo,
	)
	return a, remote, nil
}

// HandleAgreementProposed applies an agreement promoted on the requestor's
// node. Replays of an agreement already stored are no-ops. The agreement is
// stored in state Proposal whatever state the carried copy is in, so a later
// transition message can seed it too.
func (n *Negotiator) HandleAgreementProposed(ctx context.Context, msg market.Message) error {
	if msg.Agreement == nil {
		return market.NewInvalidStateError("apply agreement", string(msg.ChainID), "message without agreement")
	}
	a := *msg.Agreement
	a.State = market.AgreementProposal
	a.ApprovedSignature = nil
	a.CommittedSignature = nil
	a.Reason = ""
	if len(a.ProposedSignature) == 0 {
		a.ProposedSignature = msg.Signature
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = n.clock.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt

	var applied bool
	err := n.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.Agreement(ctx, a.ID); err == nil {
			return nil
		} else if !market.IsCode(err, market.CodeNotFound) {
			return err
		}

		tipP, chain, err := loadTip(ctx, tx, a.ProposalID)
		if err != nil {
			return err
		}
		if chain.RequestorNode != msg.From {
			return market.NewInvalidStateError("apply agreement", string(a.ID), "sender is not the requestor")
		}
		if err := checkPromotable(chain, tipP); err != nil {
			return err
		}

		a.ChainID = chain.ID
		a.OfferID = chain.OfferID
		a.DemandID = chain.DemandID
		a.ProviderID = chain.ProviderNode
		a.RequestorID = chain.RequestorNode
		if _, err := n.storeAgreement(ctx, tx, chain, tipP, a); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		n.metrics.AgreementTransition(market.AgreementProposal)
		n.logger.Info("remote agreement applied",
			"agreement_id", a.ID,
			"chain_id", a.ChainID,
			"from", msg.From,
		)
	} else {
		n.logger.Debug("duplicate agreement ignored", "agreement_id", a.ID)
	}
	return nil
}

func checkPromotable(chain market.Chain, tip market.Proposal) error {
	if chain.TipID != tip.ID {
		return market.NewStaleProposalError(tip.ID, chain.TipID)
	}
	if tip.MatchKind != constraint.Strong {
		return market.NewWeakMatchError(tip.ID, tip.MatchKind.String())
	}
	if chain.State.Terminal() {
		return market.NewInvalidStateError("promote", string(tip.ID), chain.State)
	}
	return nil
}

// storeAgreement closes the chain, accepts the tip and inserts a, all inside
// tx. It returns the parties that live on other nodes.
func (n *Negotiator) storeAgreement(ctx context.Context, tx *store.Tx, chain market.Chain, tip market.Proposal, a market.Agreement) ([]market.NodeID, error) {
	ok, err := tx.CloseChain(ctx, chain.ID, tip.ID, market.ChainPromoted, a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, market.NewStaleProposalError(tip.ID, chain.TipID)
	}
	if _, err := tx.SetProposalState(ctx, tip.ID, tip.State, market.ProposalAccepted); err != nil {
		return nil, err
	}

	inserted, err := tx.InsertAgreement(ctx, a)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, market.NewInvalidStateError("promote", string(tip.ID), "agreement already exists")
	}

	return agreement.AppendPartyEvent(ctx, tx, a, market.EventAgreementProposed, market.EventDetail{
		State: string(market.AgreementProposal),
	}, a.CreatedAt)
}
