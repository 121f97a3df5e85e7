package agreement

import (
	"context"
	"slices"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
)

// transition describes one edge of the agreement state machine.
type transition struct {
	op   string
	from []market.AgreementState
	to   market.AgreementState

	// role restricts the edge to one party. Empty with party set means
	// either party; empty without party means the node itself (expiry).
	role  market.Role
	party bool

	event   market.EventType
	message market.MessageType
}

var (
	confirmTransition = transition{
		op:      "confirm",
		from:    []market.AgreementState{market.AgreementProposal},
		to:      market.AgreementPending,
		role:    market.RoleRequestor,
		event:   market.EventAgreementConfirmed,
		message: market.MsgAgreementConfirmed,
	}
	approveTransition = transition{
		op:      "approve",
		from:    []market.AgreementState{market.AgreementPending},
		to:      market.AgreementApproved,
		role:    market.RoleProvider,
		event:   market.EventAgreementApproved,
		message: market.MsgAgreementApproved,
	}
	rejectTransition = transition{
		op:      "reject",
		from:    []market.AgreementState{market.AgreementPending},
		to:      market.AgreementRejected,
		role:    market.RoleProvider,
		event:   market.EventAgreementRejected,
		message: market.MsgAgreementRejected,
	}
	cancelTransition = transition{
		op:      "cancel",
		from:    []market.AgreementState{market.AgreementProposal},
		to:      market.AgreementCancelled,
		role:    market.RoleRequestor,
		event:   market.EventAgreementCancelled,
		message: market.MsgAgreementCancelled,
	}
	terminateTransition = transition{
		op:      "terminate",
		from:    []market.AgreementState{market.AgreementApproved},
		to:      market.AgreementTerminated,
		party:   true,
		event:   market.EventAgreementTerminated,
		message: market.MsgAgreementTerminated,
	}
	expireTransition = transition{
		op:    "expire",
		from:  []market.AgreementState{market.AgreementProposal, market.AgreementPending},
		to:    market.AgreementExpired,
		event: market.EventAgreementExpired,
	}
)

var transitionsByMessage = map[market.MessageType]transition{
	market.MsgAgreementConfirmed:  confirmTransition,
	market.MsgAgreementApproved:   approveTransition,
	market.MsgAgreementRejected:   rejectTransition,
	market.MsgAgreementCancelled:  cancelTransition,
	market.MsgAgreementTerminated: terminateTransition,
}

func (t transition) authorize(id market.AgreementID, by market.Role) error {
	switch {
	case t.role == market.RoleRequestor && by != market.RoleRequestor:
		return market.NewNotRequestorError(t.op, string(id))
	case t.role == market.RoleProvider && by != market.RoleProvider:
		return market.NewNotProviderError(t.op, string(id))
	case t.party && !by.Valid():
		return market.NewInvalidStateError(t.op+" as "+string(by), string(id), "unknown role")
	}
	return nil
}

// apply runs t against the stored agreement in one transaction. A peer
// message passes from and leaves by empty; the role is then the sender's.
//
// The returned agreement reflects the committed state. remote lists the
// parties on other nodes and is empty when the call was a replay.
func (m *Manager) apply(ctx context.Context, t transition, id market.AgreementID, by market.Role, from market.NodeID, u store.AgreementUpdate) (a market.Agreement, remote []market.NodeID, err error) {
	changed := false
	err = m.store.Update(ctx, func(tx *store.Tx) error {
		cur, err := tx.Agreement(ctx, id)
		if err != nil {
			return err
		}

		role := by
		if from != "" {
			r, ok := cur.PartyRole(from)
			if !ok {
				return market.NewInvalidStateError(t.op, string(id), "sender "+string(from)+" is not a party")
			}
			role = r
		}
		if err := t.authorize(id, role); err != nil {
			return err
		}

		if cur.State == t.to {
			a = cur
			return nil
		}
		if !slices.Contains(t.from, cur.State) {
			return market.NewInvalidStateError(t.op, string(id), cur.State)
		}
		if t.to == market.AgreementExpired && (cur.ValidTo.IsZero() || !u.At.After(cur.ValidTo)) {
			return market.NewInvalidStateError(t.op, string(id), "validity not elapsed")
		}

		ok, err := tx.TransitionAgreement(ctx, id, cur.State, t.to, u)
		if err != nil {
			return err
		}
		if !ok {
			return market.NewInvalidStateError(t.op, string(id), cur.State)
		}

		cur.State = t.to
		cur.UpdatedAt = u.At
		if u.Reason != "" {
			cur.Reason = u.Reason
		}
		if len(u.ApprovedSignature) > 0 {
			cur.ApprovedSignature = u.ApprovedSignature
		}
		if len(u.CommittedSignature) > 0 {
			cur.CommittedSignature = u.CommittedSignature
		}

		remote, err = AppendPartyEvent(ctx, tx, cur, t.event, market.EventDetail{
			Reason: u.Reason,
			State:  string(t.to),
		}, u.At)
		if err != nil {
			return err
		}
		a = cur
		changed = true
		return nil
	})
	if err != nil {
		return market.Agreement{}, nil, err
	}

	if !changed {
		m.logger.Debug("agreement transition replayed", "agreement_id", id, "state", a.State)
		return a, nil, nil
	}
	m.metrics.AgreementTransition(t.to)
	m.logger.Info("agreement transitioned",
		"agreement_id", id,
		"op", t.op,
		"state", t.to,
		"by", actor(by, from),
	)
	return a, remote, nil
}

func actor(by market.Role, from market.NodeID) string {
	if from != "" {
		return string(from)
	}
	return string(by)
}
