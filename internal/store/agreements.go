package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agora/internal/market"
)

const agreementColumns = `id, chain_id, proposal_id, offer_id, demand_id, provider_id, requestor_id,
	offer_snapshot, demand_snapshot, state, proposed_signature, approved_signature, committed_signature,
	valid_to, reason, created_at, updated_at`

// AgreementUpdate carries the fields written alongside a state transition.
// Empty fields leave the stored value unchanged.
type AgreementUpdate struct {
	At                 time.Time
	Reason             string
	ApprovedSignature  []byte
	CommittedSignature []byte
}

// AgreementFilter selects agreements for listing.
// Zero-valued fields do not filter.
type AgreementFilter struct {
	Node  market.NodeID
	State market.AgreementState
}

// InsertAgreement stores a new agreement.
//
// Uses ON CONFLICT DO NOTHING: inserted is false when the id already exists
// or when the chain already has a live (non-failed) agreement.
func (t *Tx) InsertAgreement(ctx context.Context, a market.Agreement) (inserted bool, err error) {
	offerJSON, err := marshalProps(a.OfferSnapshot)
	if err != nil {
		return false, fmt.Errorf("insert agreement: %w", err)
	}
	demandJSON, err := marshalProps(a.DemandSnapshot)
	if err != nil {
		return false, fmt.Errorf("insert agreement: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO agreements
		(`+agreementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		string(a.ID),
		string(a.ChainID),
		string(a.ProposalID),
		string(a.OfferID),
		string(a.DemandID),
		string(a.ProviderID),
		string(a.RequestorID),
		offerJSON,
		demandJSON,
		string(a.State),
		a.ProposedSignature,
		a.ApprovedSignature,
		a.CommittedSignature,
		toNanos(a.ValidTo),
		a.Reason,
		toNanos(a.CreatedAt),
		toNanos(a.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert agreement: %w", err)
	}
	return affected(res)
}

// TransitionAgreement moves an agreement from `from` to `to`, writing the
// update fields in the same statement. Returns false when the agreement is
// no longer in state `from`.
func (t *Tx) TransitionAgreement(ctx context.Context, id market.AgreementID, from, to market.AgreementState, u AgreementUpdate) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE agreements
		SET state = ?,
			updated_at = ?,
			reason = CASE WHEN ? = '' THEN reason ELSE ? END,
			approved_signature = COALESCE(?, approved_signature),
			committed_signature = COALESCE(?, committed_signature)
		WHERE id = ? AND state = ?
	`,
		string(to),
		toNanos(u.At),
		u.Reason, u.Reason,
		nilIfEmpty(u.ApprovedSignature),
		nilIfEmpty(u.CommittedSignature),
		string(id),
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition agreement: %w", err)
	}
	return affected(res)
}

// Agreement reads an agreement inside the transaction.
func (t *Tx) Agreement(ctx context.Context, id market.AgreementID) (market.Agreement, error) {
	return readAgreement(ctx, t.tx, id)
}

// DueAgreements lists agreements in Proposal or Pending whose ValidTo is
// strictly before now.
func (t *Tx) DueAgreements(ctx context.Context, now time.Time) ([]market.Agreement, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+agreementColumns+`
		FROM agreements
		WHERE state IN (?, ?) AND valid_to != 0 AND valid_to < ?
		ORDER BY valid_to ASC, id ASC
	`,
		string(market.AgreementProposal),
		string(market.AgreementPending),
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("due agreements: %w", err)
	}
	return collectAgreements(rows)
}

// ReadAgreement retrieves an agreement by id.
// Returns a NOT_FOUND market error if absent.
func (s *Store) ReadAgreement(ctx context.Context, id market.AgreementID) (market.Agreement, error) {
	return readAgreement(ctx, s.db, id)
}

// ListAgreements returns agreements matching the filter, oldest first.
func (s *Store) ListAgreements(ctx context.Context, f AgreementFilter) ([]market.Agreement, error) {
	var where []string
	var args []any
	if f.Node != "" {
		where = append(where, "(provider_id = ? OR requestor_id = ?)")
		args = append(args, string(f.Node), string(f.Node))
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}

	query := `SELECT ` + agreementColumns + ` FROM agreements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agreements: %w", err)
	}
	return collectAgreements(rows)
}

func readAgreement(ctx context.Context, q queryer, id market.AgreementID) (market.Agreement, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+agreementColumns+`
		FROM agreements
		WHERE id = ?
	`, string(id))

	a, err := scanAgreement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Agreement{}, market.NewNotFoundError("agreement", string(id))
	}
	return a, err
}

func collectAgreements(rows *sql.Rows) ([]market.Agreement, error) {
	defer rows.Close()

	var out []market.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agreements: %w", err)
	}
	return out, nil
}

func scanAgreement(row rowScanner) (market.Agreement, error) {
	var a market.Agreement
	var id, chainID, proposalID, offerID, demandID, provider, requestor string
	var offerJSON, demandJSON, state, reason string
	var validTo, createdAt, updatedAt int64

	if err := row.Scan(&id, &chainID, &proposalID, &offerID, &demandID, &provider, &requestor,
		&offerJSON, &demandJSON, &state, &a.ProposedSignature, &a.ApprovedSignature, &a.CommittedSignature,
		&validTo, &reason, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("scan agreement: %w", err)
	}

	offerSnap, err := unmarshalProps(offerJSON)
	if err != nil {
		return a, err
	}
	demandSnap, err := unmarshalProps(demandJSON)
	if err != nil {
		return a, err
	}

	a.ID = market.AgreementID(id)
	a.ChainID = market.ChainID(chainID)
	a.ProposalID = market.ProposalID(proposalID)
	a.OfferID = market.SubscriptionID(offerID)
	a.DemandID = market.SubscriptionID(demandID)
	a.ProviderID = market.NodeID(provider)
	a.RequestorID = market.NodeID(requestor)
	a.OfferSnapshot = offerSnap
	a.DemandSnapshot = demandSnap
	a.State = market.AgreementState(state)
	a.ValidTo = fromNanos(validTo)
	a.Reason = reason
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

func nilIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
