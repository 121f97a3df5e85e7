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

const subscriptionColumns = `id, kind, issuer, properties, constraints, created_at, expires_at, local, status`

// SubscriptionRecord is a stored subscription with its lifecycle status.
type SubscriptionRecord struct {
	market.Subscription
	Status market.SubscriptionStatus
}

// SubscriptionFilter selects subscriptions for listing.
// Zero-valued fields do not filter.
type SubscriptionFilter struct {
	Kind   market.Kind
	Status market.SubscriptionStatus
	Local  *bool
	Issuer market.NodeID
}

// InsertSubscription stores a subscription with the given status.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: inserted is false when a
// record with the same id already exists, and the stored record is unchanged.
func (t *Tx) InsertSubscription(ctx context.Context, sub market.Subscription, status market.SubscriptionStatus) (inserted bool, err error) {
	propsJSON, err := marshalProps(sub.Properties)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, kind, issuer, properties, constraints, created_at, expires_at, local, status, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM subscriptions))
		ON CONFLICT(id) DO NOTHING
	`,
		string(sub.ID),
		string(sub.Kind),
		string(sub.Issuer),
		propsJSON,
		marshalConstraints(sub.Constraints),
		toNanos(sub.CreatedAt),
		toNanos(sub.ExpiresAt),
		boolToInt(sub.Local),
		string(status),
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return affected(res)
}

// SetSubscriptionStatus moves a subscription to status `to` if its current
// status is one of `from`. Returns false when no row matched.
func (t *Tx) SetSubscriptionStatus(ctx context.Context, id market.SubscriptionID, to market.SubscriptionStatus, from ...market.SubscriptionStatus) (bool, error) {
	query := `UPDATE subscriptions SET status = ? WHERE id = ?`
	args := []any{string(to), string(id)}
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, string(f))
		}
	}

	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set subscription status: %w", err)
	}
	return affected(res)
}

// Subscription reads a subscription inside the transaction.
func (t *Tx) Subscription(ctx context.Context, id market.SubscriptionID) (SubscriptionRecord, error) {
	return readSubscription(ctx, t.tx, id)
}

// DueSubscriptions lists active subscriptions whose expiry is strictly before now.
func (t *Tx) DueSubscriptions(ctx context.Context, now time.Time) ([]SubscriptionRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = ? AND expires_at != 0 AND expires_at < ?
		ORDER BY seq ASC
	`, string(market.SubscriptionActive), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("due subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ReadSubscription retrieves a single subscription by id.
// Returns a NOT_FOUND market error if absent.
func (s *Store) ReadSubscription(ctx context.Context, id market.SubscriptionID) (SubscriptionRecord, error) {
	return readSubscription(ctx, s.db, id)
}

// ListSubscriptions returns subscriptions matching the filter in insertion
// order.
func (s *Store) ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]SubscriptionRecord, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Local != nil {
		where = append(where, "local = ?")
		args = append(args, boolToInt(*f.Local))
	}
	if f.Issuer != "" {
		where = append(where, "issuer = ?")
		args = append(args, string(f.Issuer))
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func readSubscription(ctx context.Context, q queryer, id market.SubscriptionID) (SubscriptionRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = ?
	`, string(id))

	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SubscriptionRecord{}, market.NewNotFoundError("subscription", string(id))
	}
	return rec, err
}

func collectSubscriptions(rows *sql.Rows) ([]SubscriptionRecord, error) {
	defer rows.Close()

	var out []SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func scanSubscription(row rowScanner) (SubscriptionRecord, error) {
	var rec SubscriptionRecord
	var id, kind, issuer, propsJSON, constraintsText, status string
	var createdAt, expiresAt int64
	var local int

	if err := row.Scan(&id, &kind, &issuer, &propsJSON, &constraintsText, &createdAt, &expiresAt, &local, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan subscription: %w", err)
	}

	properties, err := unmarshalProps(propsJSON)
	if err != nil {
		return rec, err
	}
	expr, err := unmarshalConstraints(constraintsText)
	if err != nil {
		return rec, err
	}

	rec.Subscription = market.Subscription{
		ID:          market.SubscriptionID(id),
		Kind:        market.Kind(kind),
		Issuer:      market.NodeID(issuer),
		Properties:  properties,
		Constraints: expr,
		CreatedAt:   fromNanos(createdAt),
		ExpiresAt:   fromNanos(expiresAt),
		Local:       local != 0,
	}
	rec.Status = market.SubscriptionStatus(status)
	return rec, nil
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
