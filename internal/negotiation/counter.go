package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/props"
	"github.com/roach88/agora/internal/store"
)

// counterRequest is a counter-proposal from a local caller (From empty, ID
// generated) or from a peer (From and ID carried by the message).
type counterRequest struct {
	ID          market.ProposalID
	Tip         market.ProposalID
	Properties  props.Set
	Constraints *constraint.Expr
	By          market.Role
	At          time.Time
	From        market.NodeID
}

func (r *counterRequest) remote() bool {
	return r.From != ""
}

// counterResult is what a committed counter needs for logging and
// notification.
type counterResult struct {
	proposal   market.Proposal
	chain      market.Chain
	otherLocal bool
	duplicate  bool
}

// Counter appends a counter-proposal to the chain whose tip is tip.
//
// Fails with STALE_PROPOSAL if tip is no longer the chain tip, INVALID_STATE
// if the chain is closed or by issued the tip itself, and PARSE_ERROR for
// malformed constraints. The new proposal's match kind is recomputed against
// the other party's latest terms, and the other party is notified.
func (n *Negotiator) Counter(ctx context.Context, tip market.ProposalID, properties props.Set, constraintsText string, by market.Role) (market.ProposalID, error) {
	id, err := n.counterLocal(ctx, tip, properties, constraintsText, by)
	n.metrics.ProposalOp("counter", err)
	return id, err
}

func (n *Negotiator) counterLocal(ctx context.Context, tip market.ProposalID, properties props.Set, constraintsText string, by market.Role) (market.ProposalID, error) {
	if !by.Valid() {
		return "", market.NewInvalidStateError("counter as "+string(by), string(tip), "unknown role")
	}
	expr, err := constraint.Parse(constraintsText)
	if err != nil {
		return "", market.NewParseError("constraints", err)
	}
	if properties == nil {
		properties = props.Set{}
	}

	res, err := n.counter(ctx, counterRequest{
		ID:          market.ProposalID(n.ids.Generate()),
		Tip:         tip,
		Properties:  properties.Clone(),
		Constraints: expr,
		By:          by,
		At:          n.clock.Now().UTC(),
	})
	if err != nil {
		return "", err
	}

	if !res.otherLocal {
		other := by.Other()
		n.send(ctx, res.chain.NodeOf(other), market.Message{
			Type:        market.MsgCounter,
			From:        res.chain.NodeOf(by),
			ChainID:     res.chain.ID,
			PrevID:      tip,
			ProposalID:  res.proposal.ID,
			Issuer:      by,
			Properties:  res.proposal.Properties,
			Constraints: res.proposal.Constraints.String(),
			SentAt:      res.proposal.CreatedAt,
		})
	}
	return res.proposal.ID, nil
}

func (n *Negotiator) counter(ctx context.Context, req counterRequest) (counterResult, error) {
	var res counterResult
	err := n.store.Update(ctx, func(tx *store.Tx) error {
		if req.remote() {
			if _, err := tx.Proposal(ctx, req.ID); err == nil {
				res.duplicate = true
				return nil
			} else if !market.IsCode(err, market.CodeNotFound) {
				return err
			}
		}

		tipP, chain, err := loadTip(ctx, tx, req.Tip)
		if err != nil {
			return err
		}
		if err := checkOpen(chain, tipP, "counter"); err != nil {
			return err
		}
		if err := checkParty(chain, tipP, req.By, req.From, "counter"); err != nil {
			return err
		}

		mine := constraint.Side{Properties: req.Properties, Constraints: req.Constraints}
		theirs, err := partySide(ctx, tx, chain, req.By.Other())
		if err != nil {
			return err
		}
		kind := matchKindFor(req.By, mine, theirs)

		p := market.Proposal{
			ID:          req.ID,
			ChainID:     chain.ID,
			OfferID:     chain.OfferID,
			DemandID:    chain.DemandID,
			Issuer:      req.By,
			IssuerNode:  chain.NodeOf(req.By),
			State:       market.ProposalDraft,
			PrevID:      tipP.ID,
			Properties:  req.Properties,
			Constraints: req.Constraints,
			MatchKind:   kind,
			CreatedAt:   req.At,
		}

		ok, err := tx.AdvanceTip(ctx, chain.ID, tipP.ID, p.ID, req.At)
		if err != nil {
			return err
		}
		if !ok {
			return market.NewStaleProposalError(tipP.ID, chain.TipID)
		}
		if _, err := tx.SetProposalState(ctx, tipP.ID, market.ProposalDraft, market.ProposalCountered); err != nil {
			return err
		}
		inserted, err := tx.InsertProposal(ctx, p)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("counter: proposal %s already exists", p.ID)
		}

		otherSub := chain.SubscriptionOf(req.By.Other())
		res.otherLocal, err = isLocal(ctx, tx, otherSub)
		if err != nil {
			return err
		}
		if res.otherLocal {
			ev := market.NewEvent(string(otherSub), market.EventProposalReceived, market.EventDetail{
				Issuer:    req.By,
				MatchKind: kind.String(),
			}, req.At)
			ev.ChainID = chain.ID
			ev.ProposalID = p.ID
			if _, err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}

		chain.TipID = p.ID
		chain.State = market.ChainCountered
		res.proposal = p
		res.chain = chain
		return nil
	})
	if err != nil {
		return counterResult{}, err
	}

	if res.duplicate {
		n.logger.Debug("duplicate counter ignored", "proposal_id", req.ID)
		return res, nil
	}
	n.logger.Info("proposal countered",
		"chain_id", res.chain.ID,
		"prev_id", req.Tip,
		"proposal_id", res.proposal.ID,
		"by", req.By,
		"match_kind", res.proposal.MatchKind.String(),
	)
	return res, nil
}

// loadTip reads a proposal and its chain.
func loadTip(ctx context.Context, tx *store.Tx, id market.ProposalID) (market.Proposal, market.Chain, error) {
	p, err := tx.Proposal(ctx, id)
	if err != nil {
		return market.Proposal{}, market.Chain{}, err
	}
	chain, err := tx.Chain(ctx, p.ChainID)
	if err != nil {
		return market.Proposal{}, market.Chain{}, err
	}
	return p, chain, nil
}

// checkOpen rejects replies to a superseded proposal, then replies to a
// closed chain.
func checkOpen(chain market.Chain, tip market.Proposal, op string) error {
	if chain.TipID != tip.ID {
		return market.NewStaleProposalError(tip.ID, chain.TipID)
	}
	if chain.State.Terminal() {
		return market.NewInvalidStateError(op, string(tip.ID), chain.State)
	}
	return nil
}

// checkParty enforces who may reply. A local party replies only to a
// proposal issued by the other side. A peer message must come from the node
// that plays the claimed role.
func checkParty(chain market.Chain, tip market.Proposal, by market.Role, from market.NodeID, op string) error {
	if from != "" {
		if chain.NodeOf(by) != from {
			return market.NewInvalidStateError(op, string(tip.ID),
				fmt.Sprintf("sender %s is not the %s", from, by))
		}
		return nil
	}
	if tip.Issuer == by {
		return market.NewInvalidStateError(op+" own proposal", string(tip.ID), tip.State)
	}
	return nil
}

// partySide returns the latest terms role has put into the chain, falling
// back to its subscription when it has issued no proposal yet.
func partySide(ctx context.Context, tx *store.Tx, chain market.Chain, role market.Role) (constraint.Side, error) {
	history, err := tx.ChainProposals(ctx, chain.ID)
	if err != nil {
		return constraint.Side{}, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Issuer == role {
			return constraint.Side{Properties: history[i].Properties, Constraints: history[i].Constraints}, nil
		}
	}

	rec, err := tx.Subscription(ctx, chain.SubscriptionOf(role))
	if err != nil {
		return constraint.Side{}, err
	}
	return rec.Side(), nil
}

// matchKindFor orders two sides into (offer, demand) for constraint.MatchKind.
func matchKindFor(by market.Role, mine, theirs constraint.Side) constraint.Kind {
	if by == market.RoleProvider {
		return constraint.MatchKind(mine, theirs)
	}
	return constraint.MatchKind(theirs, mine)
}
