package agreement

import (
	"context"
	"time"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

// AppendPartyEvent appends an event of type typ to the feed of every party
// of a that lives on this node. It returns the parties on other nodes.
//
// A party is local when the subscription it negotiated for was published
// here.
func AppendPartyEvent(ctx context.Context, tx *store.Tx, a market.Agreement, typ market.EventType, detail market.EventDetail, at time.Time) ([]market.NodeID, error) {
	parties := []struct {
		node market.NodeID
		sub  market.SubscriptionID
	}{
		{a.ProviderID, a.OfferID},
		{a.RequestorID, a.DemandID},
	}

	var remote []market.NodeID
	notified := make(map[market.NodeID]bool, 2)
	for _, p := range parties {
		rec, err := tx.Subscription(ctx, p.sub)
		if err != nil {
			return nil, err
		}
		if !rec.Local {
			if p.node != "" {
				remote = append(remote, p.node)
			}
			continue
		}
		if notified[p.node] {
			continue
		}
		notified[p.node] = true

		ev := market.NewEvent(string(p.node), typ, detail, at)
		ev.ChainID = a.ChainID
		ev.ProposalID = a.ProposalID
		ev.AgreementID = a.ID
		if _, err := tx.AppendEvent(ctx, ev); err != nil {
			return nil, err
		}
	}
	return remote, nil
}
