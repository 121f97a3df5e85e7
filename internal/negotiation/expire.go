package negotiation

import (
	"context"
	"time"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

// ExpireChains expires every negotiable chain rooted at sub. Both sides that
// live on this node receive a ProposalExpired event.
func (n *Negotiator) ExpireChains(ctx context.Context, sub market.SubscriptionID) (int, error) {
	var count int
	err := n.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		count, err = n.ExpireChainsTx(ctx, tx, sub, n.clock.Now().UTC())
		return err
	})
	if err != nil {
		return 0, err
	}
	n.metrics.Expired("chain", count)
	return count, nil
}

// ExpireChainsTx is ExpireChains inside a caller's transaction, so the
// registry can expire a subscription and its chains atomically.
func (n *Negotiator) ExpireChainsTx(ctx context.Context, tx *store.Tx, sub market.SubscriptionID, now time.Time) (int, error) {
	chains, err := tx.OpenChainsFor(ctx, sub)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, c := range chains {
		ok, err := tx.CloseChain(ctx, c.ID, c.TipID, market.ChainExpired, now)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		if _, err := tx.SetProposalState(ctx, c.TipID, market.ProposalDraft, market.ProposalExpired); err != nil {
			return count, err
		}

		for _, role := range []market.Role{market.RoleProvider, market.RoleRequestor} {
			side := c.SubscriptionOf(role)
			local, err := isLocal(ctx, tx, side)
			if err != nil {
				return count, err
			}
			if !local {
				continue
			}
			ev := market.NewEvent(string(side), market.EventProposalExpired, market.EventDetail{
				Reason: "subscription " + string(sub) + " expired",
			}, now)
			ev.ChainID = c.ID
			ev.ProposalID = c.TipID
			if _, err := tx.AppendEvent(ctx, ev); err != nil {
				return count, err
			}
		}

		count++
		n.logger.Debug("chain expired", "chain_id", c.ID, "subscription_id", sub)
	}
	return count, nil
}
