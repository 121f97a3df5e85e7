package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
)

const chainColumns = `id, offer_id, demand_id, provider_node, requestor_node, tip_id, state, version, created_at, updated_at`

const proposalColumns = `p.id, p.chain_id, c.offer_id, c.demand_id, p.issuer, p.issuer_node, p.state, p.prev_id,
	p.properties, p.constraints, p.match_kind, p.created_at`

// InsertChain creates a chain together with its root proposal.
//
// Uses ON CONFLICT DO NOTHING on both the chain id and the (offer_id,
// demand_id) pair. If a chain for the pair already exists, nothing is written
// and the existing chain id is returned with inserted=false. This is what
// makes matching exactly-once per pair.
func (t *Tx) InsertChain(ctx context.Context, chain market.Chain, root market.Proposal) (id market.ChainID, inserted bool, err error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO chains
		(id, offer_id, demand_id, provider_node, requestor_node, tip_id, state, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		string(chain.ID),
		string(chain.OfferID),
		string(chain.DemandID),
		string(chain.ProviderNode),
		string(chain.RequestorNode),
		string(chain.TipID),
		string(chain.State),
		chain.Version,
		toNanos(chain.CreatedAt),
		toNanos(chain.UpdatedAt),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert chain: %w", err)
	}

	ok, err := affected(res)
	if err != nil {
		return "", false, fmt.Errorf("insert chain: %w", err)
	}
	if !ok {
		var existing string
		err := t.tx.QueryRowContext(ctx, `
			SELECT id FROM chains WHERE offer_id = ? AND demand_id = ?
		`, string(chain.OfferID), string(chain.DemandID)).Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("insert chain: select existing: %w", err)
		}
		return market.ChainID(existing), false, nil
	}

	if _, err := t.InsertProposal(ctx, root); err != nil {
		return "", false, err
	}
	return chain.ID, true, nil
}

// InsertProposal appends a proposal to its chain. The round number is one
// more than the round of the proposal it replies to (0 for the root).
//
// Uses ON CONFLICT DO NOTHING: a duplicate id, or a second reply to the same
// parent, leaves the stored chain untouched and returns inserted=false.
func (t *Tx) InsertProposal(ctx context.Context, p market.Proposal) (inserted bool, err error) {
	propsJSON, err := marshalProps(p.Properties)
	if err != nil {
		return false, fmt.Errorf("insert proposal: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO proposals
		(id, chain_id, prev_id, round, issuer, issuer_node, state, properties, constraints, match_kind, created_at)
		VALUES (?, ?, ?,
			(SELECT COALESCE((SELECT round FROM proposals WHERE id = ?), -1) + 1),
			?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		string(p.ID),
		string(p.ChainID),
		string(p.PrevID),
		string(p.PrevID),
		string(p.Issuer),
		string(p.IssuerNode),
		string(p.State),
		propsJSON,
		marshalConstraints(p.Constraints),
		p.MatchKind.String(),
		toNanos(p.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert proposal: %w", err)
	}
	return affected(res)
}

// AdvanceTip moves the chain tip from expectTip to newTip, provided the chain
// is still negotiable. Returns false if another writer moved the tip first or
// the chain reached a terminal state.
func (t *Tx) AdvanceTip(ctx context.Context, id market.ChainID, expectTip, newTip market.ProposalID, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE chains
		SET tip_id = ?, state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND tip_id = ? AND state IN (?, ?)
	`,
		string(newTip),
		string(market.ChainCountered),
		toNanos(at),
		string(id),
		string(expectTip),
		string(market.ChainOpen),
		string(market.ChainCountered),
	)
	if err != nil {
		return false, fmt.Errorf("advance tip: %w", err)
	}
	return affected(res)
}

// CloseChain moves a negotiable chain whose tip is still expectTip into a
// terminal state. Returns false when the tip moved or the chain is already
// closed.
func (t *Tx) CloseChain(ctx context.Context, id market.ChainID, expectTip market.ProposalID, to market.ChainState, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE chains
		SET state = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND tip_id = ? AND state IN (?, ?)
	`,
		string(to),
		toNanos(at),
		string(id),
		string(expectTip),
		string(market.ChainOpen),
		string(market.ChainCountered),
	)
	if err != nil {
		return false, fmt.Errorf("close chain: %w", err)
	}
	return affected(res)
}

// SetProposalState moves a proposal to `to` if its current state is `from`.
func (t *Tx) SetProposalState(ctx context.Context, id market.ProposalID, from, to market.ProposalState) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE proposals SET state = ? WHERE id = ? AND state = ?
	`, string(to), string(id), string(from))
	if err != nil {
		return false, fmt.Errorf("set proposal state: %w", err)
	}
	return affected(res)
}

// Chain reads a chain inside the transaction.
func (t *Tx) Chain(ctx context.Context, id market.ChainID) (market.Chain, error) {
	return readChain(ctx, t.tx, id)
}

// Proposal reads a proposal inside the transaction.
func (t *Tx) Proposal(ctx context.Context, id market.ProposalID) (market.Proposal, error) {
	return readProposal(ctx, t.tx, id)
}

// ChainProposals reads every proposal of a chain in round order.
func (t *Tx) ChainProposals(ctx context.Context, id market.ChainID) ([]market.Proposal, error) {
	return readChainProposals(ctx, t.tx, id)
}

// OpenChainsFor lists the negotiable chains rooted at a subscription, on
// either side.
func (t *Tx) OpenChainsFor(ctx context.Context, sub market.SubscriptionID) ([]market.Chain, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+chainColumns+`
		FROM chains
		WHERE (offer_id = ? OR demand_id = ?) AND state IN (?, ?)
		ORDER BY created_at ASC, id ASC
	`,
		string(sub),
		string(sub),
		string(market.ChainOpen),
		string(market.ChainCountered),
	)
	if err != nil {
		return nil, fmt.Errorf("open chains: %w", err)
	}
	return collectChains(rows)
}

// ReadChain retrieves a chain by id.
// Returns a NOT_FOUND market error if absent.
func (s *Store) ReadChain(ctx context.Context, id market.ChainID) (market.Chain, error) {
	return readChain(ctx, s.db, id)
}

// ReadChainByPair retrieves the chain for an (offer, demand) pair.
func (s *Store) ReadChainByPair(ctx context.Context, offer, demand market.SubscriptionID) (market.Chain, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainColumns+`
		FROM chains
		WHERE offer_id = ? AND demand_id = ?
	`, string(offer), string(demand))

	c, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Chain{}, market.NewNotFoundError("chain", string(offer)+"/"+string(demand))
	}
	return c, err
}

// ListChains returns all chains that involve the subscription, ordered by
// creation time. An empty subscription id lists every chain.
func (s *Store) ListChains(ctx context.Context, sub market.SubscriptionID) ([]market.Chain, error) {
	query := `SELECT ` + chainColumns + ` FROM chains`
	var args []any
	if sub != "" {
		query += ` WHERE offer_id = ? OR demand_id = ?`
		args = append(args, string(sub), string(sub))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	return collectChains(rows)
}

// ReadProposal retrieves a proposal by id.
// Returns a NOT_FOUND market error if absent.
func (s *Store) ReadProposal(ctx context.Context, id market.ProposalID) (market.Proposal, error) {
	return readProposal(ctx, s.db, id)
}

// ReadChainProposals returns every proposal of a chain in round order.
func (s *Store) ReadChainProposals(ctx context.Context, id market.ChainID) ([]market.Proposal, error) {
	return readChainProposals(ctx, s.db, id)
}

func readChain(ctx context.Context, q queryer, id market.ChainID) (market.Chain, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+chainColumns+`
		FROM chains
		WHERE id = ?
	`, string(id))

	c, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Chain{}, market.NewNotFoundError("chain", string(id))
	}
	return c, err
}

func readProposal(ctx context.Context, q queryer, id market.ProposalID) (market.Proposal, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals p
		JOIN chains c ON c.id = p.chain_id
		WHERE p.id = ?
	`, string(id))

	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Proposal{}, market.NewNotFoundError("proposal", string(id))
	}
	return p, err
}

func readChainProposals(ctx context.Context, q queryer, id market.ChainID) ([]market.Proposal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals p
		JOIN chains c ON c.id = p.chain_id
		WHERE p.chain_id = ?
		ORDER BY p.round ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("read chain proposals: %w", err)
	}
	defer rows.Close()

	var out []market.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return out, nil
}

func collectChains(rows *sql.Rows) ([]market.Chain, error) {
	defer rows.Close()

	var out []market.Chain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	return out, nil
}

func scanChain(row rowScanner) (market.Chain, error) {
	var c market.Chain
	var id, offerID, demandID, provider, requestor, tip, state string
	var createdAt, updatedAt int64

	if err := row.Scan(&id, &offerID, &demandID, &provider, &requestor, &tip, &state, &c.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan chain: %w", err)
	}

	c.ID = market.ChainID(id)
	c.OfferID = market.SubscriptionID(offerID)
	c.DemandID = market.SubscriptionID(demandID)
	c.ProviderNode = market.NodeID(provider)
	c.RequestorNode = market.NodeID(requestor)
	c.TipID = market.ProposalID(tip)
	c.State = market.ChainState(state)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return c, nil
}

func scanProposal(row rowScanner) (market.Proposal, error) {
	var p market.Proposal
	var id, chainID, offerID, demandID, issuer, issuerNode, state, prevID string
	var propsJSON, constraintsText, matchKind string
	var createdAt int64

	if err := row.Scan(&id, &chainID, &offerID, &demandID, &issuer, &issuerNode, &state, &prevID,
		&propsJSON, &constraintsText, &matchKind, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan proposal: %w", err)
	}

	properties, err := unmarshalProps(propsJSON)
	if err != nil {
		return p, err
	}
	expr, err := unmarshalConstraints(constraintsText)
	if err != nil {
		return p, err
	}

	p.ID = market.ProposalID(id)
	p.ChainID = market.ChainID(chainID)
	p.OfferID = market.SubscriptionID(offerID)
	p.DemandID = market.SubscriptionID(demandID)
	p.Issuer = market.Role(issuer)
	p.IssuerNode = market.NodeID(issuerNode)
	p.State = market.ProposalState(state)
	p.PrevID = market.ProposalID(prevID)
	p.Properties = properties
	p.Constraints = expr
	p.MatchKind = constraint.ParseKind(matchKind)
	p.CreatedAt = fromNanos(createdAt)
	return p, nil
}
