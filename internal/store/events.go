package store

import (
	"context"
	"fmt"

	"github.com/roach88/agora/internal/market"
)

// AppendEvent assigns the next sequence number for ev.SubscriberID and
// writes the event. The sequence comes from the subscriber's persisted
// high-water mark, so numbers keep increasing after acknowledged events are
// garbage collected.
//
// The returned event carries the assigned Seq. It is delivered to append
// hooks only after the enclosing transaction commits.
func (t *Tx) AppendEvent(ctx context.Context, ev market.Event) (market.Event, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO feed_cursors (subscriber_id, last_seq)
		VALUES (?, 1)
		ON CONFLICT(subscriber_id) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq
	`, ev.SubscriberID).Scan(&seq)
	if err != nil {
		return market.Event{}, fmt.Errorf("append event: next seq: %w", err)
	}

	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO events
		(subscriber_id, seq, type, chain_id, proposal_id, agreement_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.SubscriberID,
		seq,
		string(ev.Type),
		string(ev.ChainID),
		string(ev.ProposalID),
		string(ev.AgreementID),
		payload,
		toNanos(ev.CreatedAt),
	)
	if err != nil {
		return market.Event{}, fmt.Errorf("append event: %w", err)
	}

	ev.Seq = seq
	ev.Payload = []byte(payload)
	t.appended = append(t.appended, ev)
	return ev, nil
}

// ReadEvents returns up to limit events for a subscriber with seq > after,
// in sequence order. A non-positive limit returns all of them.
func (s *Store) ReadEvents(ctx context.Context, subscriberID string, after int64, limit int) ([]market.Event, error) {
	query := `
		SELECT subscriber_id, seq, type, chain_id, proposal_id, agreement_id, payload, created_at
		FROM events
		WHERE subscriber_id = ? AND seq > ?
		ORDER BY seq ASC
	`
	args := []any{subscriberID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []market.Event
	for rows.Next() {
		var ev market.Event
		var typ, chainID, proposalID, agreementID, payload string
		var createdAt int64
		if err := rows.Scan(&ev.SubscriberID, &ev.Seq, &typ, &chainID, &proposalID, &agreementID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = market.EventType(typ)
		ev.ChainID = market.ChainID(chainID)
		ev.ProposalID = market.ProposalID(proposalID)
		ev.AgreementID = market.AgreementID(agreementID)
		ev.Payload = []byte(payload)
		ev.CreatedAt = fromNanos(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest sequence number ever assigned to a subscriber,
// or 0 if none.
func (s *Store) LastSeq(ctx context.Context, subscriberID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT last_seq FROM feed_cursors WHERE subscriber_id = ?), 0)
	`, subscriberID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// AckEvents deletes a subscriber's events with seq <= upto and records the
// acknowledgement. Acks never move backwards. Returns the number of events
// removed.
func (s *Store) AckEvents(ctx context.Context, subscriberID string, upto int64) (int64, error) {
	var removed int64
	err := s.Update(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			DELETE FROM events WHERE subscriber_id = ? AND seq <= ?
		`, subscriberID, upto)
		if err != nil {
			return fmt.Errorf("ack events: delete: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("ack events: rows affected: %w", err)
		}

		_, err = tx.tx.ExecContext(ctx, `
			UPDATE feed_cursors
			SET acked_seq = MAX(acked_seq, MIN(?, last_seq))
			WHERE subscriber_id = ?
		`, upto, subscriberID)
		if err != nil {
			return fmt.Errorf("ack events: cursor: %w", err)
		}
		return nil
	})
	return removed, err
}

// AckedSeq returns the highest acknowledged sequence number for a subscriber.
func (s *Store) AckedSeq(ctx context.Context, subscriberID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT acked_seq FROM feed_cursors WHERE subscriber_id = ?), 0)
	`, subscriberID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("acked seq: %w", err)
	}
	return seq, nil
}
