package agreement

import (
	"context"
	"log/slog"
	"time"

	"github.com/raulk/clock"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/metrics"
	"github.com/roach88/agora/internal/store"
)

// Manager applies agreement transitions to stored agreements.
//
// Thread-safety: safe for concurrent use. Transitions on one agreement are
// serialized by the store, never by locks held here.
type Manager struct {
	store     *store.Store
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	transport market.Transport

	requireSignatures bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for transition times and expiry.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithTransport sets the transport used to reach remote parties.
func WithTransport(t market.Transport) Option {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithRequireSignatures makes Approve reject an empty signature.
func WithRequireSignatures(required bool) Option {
	return func(m *Manager) {
		m.requireSignatures = required
	}
}

// New creates a manager over the store.
func New(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		clock:     clock.New(),
		logger:    slog.Default(),
		transport: market.NopTransport{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Confirm moves an agreement from Proposal to Pending. Requestor only.
// Confirming a Pending agreement again succeeds without effect.
func (m *Manager) Confirm(ctx context.Context, id market.AgreementID, by market.Role) error {
	return m.local(ctx, confirmTransition, id, by, store.AgreementUpdate{})
}

// Approve moves an agreement from Pending to Approved and records the
// provider's signature as both the approved and the committed signature.
// Provider only.
func (m *Manager) Approve(ctx context.Context, id market.AgreementID, by market.Role, signature []byte) error {
	if m.requireSignatures && len(signature) == 0 {
		return market.NewInvalidStateError("approve unsigned", string(id), "missing approved signature")
	}
	return m.local(ctx, approveTransition, id, by, store.AgreementUpdate{
		ApprovedSignature:  signature,
		CommittedSignature: signature,
	})
}

// Reject moves an agreement from Pending to Rejected. Provider only.
func (m *Manager) Reject(ctx context.Context, id market.AgreementID, by market.Role, reason string) error {
	return m.local(ctx, rejectTransition, id, by, store.AgreementUpdate{Reason: reason})
}

// Cancel moves an agreement from Proposal to Cancelled. Requestor only.
func (m *Manager) Cancel(ctx context.Context, id market.AgreementID, by market.Role, reason string) error {
	return m.local(ctx, cancelTransition, id, by, store.AgreementUpdate{Reason: reason})
}

// Terminate moves an agreement from Approved to Terminated. Either party.
func (m *Manager) Terminate(ctx context.Context, id market.AgreementID, by market.Role, reason string) error {
	return m.local(ctx, terminateTransition, id, by, store.AgreementUpdate{Reason: reason})
}

// Expire moves an agreement in Proposal or Pending to Expired, provided its
// ValidTo lies strictly before now.
func (m *Manager) Expire(ctx context.Context, id market.AgreementID, now time.Time) error {
	_, _, err := m.apply(ctx, expireTransition, id, "", "", store.AgreementUpdate{
		At:     now.UTC(),
		Reason: "validity elapsed",
	})
	return err
}

// ExpireSweep expires every overdue agreement in one transaction and returns
// how many it expired.
func (m *Manager) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	var expired []market.Agreement
	err := m.store.Update(ctx, func(tx *store.Tx) error {
		due, err := tx.DueAgreements(ctx, now)
		if err != nil {
			return err
		}
		for _, a := range due {
			ok, err := tx.TransitionAgreement(ctx, a.ID, a.State, market.AgreementExpired, store.AgreementUpdate{
				At:     now,
				Reason: "validity elapsed",
			})
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			a.State = market.AgreementExpired
			if _, err := AppendPartyEvent(ctx, tx, a, market.EventAgreementExpired, market.EventDetail{
				Reason: "validity elapsed",
				State:  string(market.AgreementExpired),
			}, now); err != nil {
				return err
			}
			expired = append(expired, a)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, a := range expired {
		m.metrics.AgreementTransition(market.AgreementExpired)
		m.logger.Info("agreement expired", "agreement_id", a.ID, "valid_to", a.ValidTo)
	}
	m.metrics.Expired("agreement", len(expired))
	return len(expired), nil
}

// Get returns the read-only view consumed by activity and payment services.
func (m *Manager) Get(ctx context.Context, id market.AgreementID) (market.AgreementView, error) {
	a, err := m.store.ReadAgreement(ctx, id)
	if err != nil {
		return market.AgreementView{}, err
	}
	return a.View(), nil
}

// Agreement returns the full agreement record.
func (m *Manager) Agreement(ctx context.Context, id market.AgreementID) (market.Agreement, error) {
	return m.store.ReadAgreement(ctx, id)
}

// List returns agreements matching the filter.
func (m *Manager) List(ctx context.Context, f store.AgreementFilter) ([]market.Agreement, error) {
	return m.store.ListAgreements(ctx, f)
}

// HandleMessage applies an agreement transition made by a remote party.
// The acting role is derived from the sender. Replays are no-ops.
func (m *Manager) HandleMessage(ctx context.Context, msg market.Message) error {
	t, ok := transitionsByMessage[msg.Type]
	if !ok {
		return market.NewInvalidStateError("apply "+string(msg.Type), string(msg.ChainID), "not an agreement transition")
	}
	if msg.Agreement == nil || msg.Agreement.ID == "" {
		return market.NewInvalidStateError("apply "+string(msg.Type), string(msg.ChainID), "message without agreement")
	}

	u := store.AgreementUpdate{At: msg.SentAt.UTC(), Reason: msg.Reason}
	if msg.SentAt.IsZero() {
		u.At = m.clock.Now().UTC()
	}
	if t.to == market.AgreementApproved {
		u.ApprovedSignature = msg.Signature
		u.CommittedSignature = msg.Signature
	}

	_, _, err := m.apply(ctx, t, msg.Agreement.ID, "", msg.From, u)
	return err
}

// local applies a transition requested on this node and forwards it to the
// remote parties once committed.
func (m *Manager) local(ctx context.Context, t transition, id market.AgreementID, by market.Role, u store.AgreementUpdate) error {
	u.At = m.clock.Now().UTC()
	a, remote, err := m.apply(ctx, t, id, by, "", u)
	if err != nil {
		return err
	}

	from := a.RequestorID
	if by == market.RoleProvider {
		from = a.ProviderID
	}
	for _, peer := range remote {
		if peer == from {
			continue
		}
		m.send(ctx, peer, market.Message{
			Type:      t.message,
			From:      from,
			ChainID:   a.ChainID,
			Agreement: &a,
			Reason:    u.Reason,
			Signature: u.ApprovedSignature,
			SentAt:    u.At,
		})
	}
	return nil
}

func (m *Manager) send(ctx context.Context, peer market.NodeID, msg market.Message) {
	if err := m.transport.SendTo(ctx, peer, msg); err != nil {
		m.logger.Warn("failed to notify peer",
			"peer", peer,
			"type", msg.Type,
			"agreement_id", msg.Agreement.ID,
			"error", err,
		)
	}
}
