package negotiation

import (
	"context"
	"time"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

type rejectRequest struct {
	Tip    market.ProposalID
	By     market.Role
	Reason string
	At     time.Time
	From   market.NodeID
}

// Reject closes the chain whose tip is tip. The tip becomes Rejected and the
// other party receives a ProposalRejected event carrying reason.
func (n *Negotiator) Reject(ctx context.Context, tip market.ProposalID, by market.Role, reason string) error {
	err := n.rejectLocal(ctx, tip, by, reason)
	n.metrics.ProposalOp("reject", err)
	return err
}

func (n *Negotiator) rejectLocal(ctx context.Context, tip market.ProposalID, by market.Role, reason string) error {
	if !by.Valid() {
		return market.NewInvalidStateError("reject as "+string(by), string(tip), "unknown role")
	}
	chain, otherLocal, _, err := n.reject(ctx, rejectRequest{
		Tip:    tip,
		By:     by,
		Reason: reason,
		At:     n.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !otherLocal {
		n.send(ctx, chain.NodeOf(by.Other()), market.Message{
			Type:    market.MsgReject,
			From:    chain.NodeOf(by),
			ChainID: chain.ID,
			PrevID:  tip,
			Issuer:  by,
			Reason:  reason,
			SentAt:  chain.UpdatedAt,
		})
	}
	return nil
}

func (n *Negotiator) reject(ctx context.Context, req rejectRequest) (chain market.Chain, otherLocal, duplicate bool, err error) {
	err = n.store.Update(ctx, func(tx *store.Tx) error {
		tipP, c, err := loadTip(ctx, tx, req.Tip)
		if err != nil {
			return err
		}
		if req.From != "" && c.State == market.ChainRejected && c.TipID == tipP.ID {
			duplicate = true
			return nil
		}
		if err := checkOpen(c, tipP, "reject"); err != nil {
			return err
		}
		if err := checkParty(c, tipP, req.By, req.From, "reject"); err != nil {
			return err
		}

		ok, err := tx.CloseChain(ctx, c.ID, tipP.ID, market.ChainRejected, req.At)
		if err != nil {
			return err
		}
		if !ok {
			return market.NewStaleProposalError(tipP.ID, c.TipID)
		}
		if _, err := tx.SetProposalState(ctx, tipP.ID, tipP.State, market.ProposalRejected); err != nil {
			return err
		}

		otherSub := c.SubscriptionOf(req.By.Other())
		otherLocal, err = isLocal(ctx, tx, otherSub)
		if err != nil {
			return err
		}
		if otherLocal {
			ev := market.NewEvent(string(otherSub), market.EventProposalRejected, market.EventDetail{
				Reason: req.Reason,
				Issuer: req.By,
			}, req.At)
			ev.ChainID = c.ID
			ev.ProposalID = tipP.ID
			if _, err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}

		c.State = market.ChainRejected
		c.UpdatedAt = req.At
		chain = c
		return nil
	})
	if err != nil {
		return market.Chain{}, false, false, err
	}

	if duplicate {
		n.logger.Debug("duplicate reject ignored", "proposal_id", req.Tip)
		return chain, otherLocal, true, nil
	}
	n.logger.Info("proposal rejected",
		"chain_id", chain.ID,
		"proposal_id", req.Tip,
		"by", req.By,
		"reason", req.Reason,
	)
	return chain, otherLocal, false, nil
}
