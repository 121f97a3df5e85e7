package negotiation

import (
	"context"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
)

// HandleCounter applies a counter-proposal received from a peer. A proposal
// id that is already stored makes the call a no-op.
func (n *Negotiator) HandleCounter(ctx context.Context, msg market.Message) error {
	if !msg.Issuer.Valid() {
		return market.NewInvalidStateError("apply counter", string(msg.ChainID), "unknown issuer role")
	}
	if msg.ProposalID == "" || msg.PrevID == "" {
		return market.NewInvalidStateError("apply counter", string(msg.ChainID), "message without proposal ids")
	}
	expr, err := constraint.Parse(msg.Constraints)
	if err != nil {
		return market.NewParseError("constraints", err)
	}
	at := msg.SentAt.UTC()
	if msg.SentAt.IsZero() {
		at = n.clock.Now().UTC()
	}

	_, err = n.counter(ctx, counterRequest{
		ID:          msg.ProposalID,
		Tip:         msg.PrevID,
		Properties:  msg.Properties.Clone(),
		Constraints: expr,
		By:          msg.Issuer,
		At:          at,
		From:        msg.From,
	})
	return err
}

// HandleReject applies a rejection received from a peer. Rejecting a chain
// that is already rejected at that tip is a no-op.
func (n *Negotiator) HandleReject(ctx context.Context, msg market.Message) error {
	if !msg.Issuer.Valid() {
		return market.NewInvalidStateError("apply reject", string(msg.ChainID), "unknown issuer role")
	}
	at := msg.SentAt.UTC()
	if msg.SentAt.IsZero() {
		at = n.clock.Now().UTC()
	}
	_, _, _, err := n.reject(ctx, rejectRequest{
		Tip:    msg.PrevID,
		By:     msg.Issuer,
		Reason: msg.Reason,
		At:     at,
		From:   msg.From,
	})
	return err
}
