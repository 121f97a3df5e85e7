package market

import (
	"time"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/props"
)

// NodeID identifies a marketplace participant.
type NodeID string

// SubscriptionID identifies a published offer or demand. It is content
// derived, see SubscriptionIDFor.
type SubscriptionID string

// ProposalID identifies a single negotiation round.
type ProposalID string

// ChainID identifies a negotiation chain. It equals the id of the chain root.
type ChainID string

// AgreementID identifies an agreement.
type AgreementID string

// Kind distinguishes offers from demands.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindDemand Kind = "demand"
)

// Opposite returns the kind a subscription of kind k is matched against.
func (k Kind) Opposite() Kind {
	if k == KindOffer {
		return KindDemand
	}
	return KindOffer
}

// Role returns the negotiating role of the issuer of a subscription of kind k.
func (k Kind) Role() Role {
	if k == KindOffer {
		return RoleProvider
	}
	return RoleRequestor
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindOffer || k == KindDemand
}

// Role is a party's position in a negotiation.
type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequestor Role = "requestor"
)

// Other returns the counterparty role.
func (r Role) Other() Role {
	if r == RoleProvider {
		return RoleRequestor
	}
	return RoleProvider
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleRequestor
}

// Subscription is a published offer or demand. Immutable after creation.
type Subscription struct {
	ID          SubscriptionID
	Kind        Kind
	Issuer      NodeID
	Properties  props.Set
	Constraints *constraint.Expr
	CreatedAt   time.Time
	// ExpiresAt is zero when the subscription never expires.
	ExpiresAt time.Time
	// Local is true for subscriptions published on this node, false for ones
	// learned from broadcast.
	Local bool
}

// Expired reports whether the subscription has an expiry before now.
func (s *Subscription) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Side returns the constraint-matching view of s.
func (s *Subscription) Side() constraint.Side {
	return constraint.Side{Properties: s.Properties, Constraints: s.Constraints}
}

// SubscriptionStatus tracks whether a subscription takes part in matching.
type SubscriptionStatus string

const (
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionUnsubscribed SubscriptionStatus = "unsubscribed"
	SubscriptionExpired      SubscriptionStatus = "expired"

	// SubscriptionEvicted marks remote subscriptions dropped from the bounded
	// cache. The record is kept so replayed broadcasts stay no-ops.
	SubscriptionEvicted SubscriptionStatus = "evicted"
)

// ProposalState is the state of a single proposal.
type ProposalState string

const (
	// ProposalDraft is the open tip of a chain.
	ProposalDraft ProposalState = "draft"

	// ProposalCountered marks a proposal that has been answered by a counter.
	ProposalCountered ProposalState = "countered"

	ProposalRejected ProposalState = "rejected"
	ProposalExpired  ProposalState = "expired"
	ProposalAccepted ProposalState = "accepted"
)

// Proposal is one round of negotiation. Immutable apart from State.
type Proposal struct {
	ID          ProposalID
	ChainID     ChainID
	OfferID     SubscriptionID
	DemandID    SubscriptionID
	Issuer      Role
	IssuerNode  NodeID
	State       ProposalState
	PrevID      ProposalID // empty for the chain root
	Properties  props.Set
	Constraints *constraint.Expr
	MatchKind   constraint.Kind
	CreatedAt   time.Time
}

// IsRoot reports whether p starts its chain.
func (p *Proposal) IsRoot() bool {
	return p.PrevID == ""
}

// ChainState is the state of a negotiation chain.
type ChainState string

const (
	// ChainOpen means the root proposal is unanswered.
	ChainOpen ChainState = "open"

	// ChainCountered means at least one counter has been appended.
	ChainCountered ChainState = "countered"

	ChainRejected ChainState = "rejected"
	ChainExpired  ChainState = "expired"
	ChainPromoted ChainState = "promoted"
)

// Terminal reports whether no further transitions are possible.
func (s ChainState) Terminal() bool {
	switch s {
	case ChainRejected, ChainExpired, ChainPromoted:
		return true
	}
	return false
}

// Chain is the negotiation between one offer and one demand.
// At most one chain exists per (OfferID, DemandID).
type Chain struct {
	ID            ChainID
	OfferID       SubscriptionID
	DemandID      SubscriptionID
	ProviderNode  NodeID
	RequestorNode NodeID
	TipID         ProposalID
	State         ChainState
	// Version increments on every transition.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeOf returns the node acting as r in the chain.
func (c *Chain) NodeOf(r Role) NodeID {
	if r == RoleProvider {
		return c.ProviderNode
	}
	return c.RequestorNode
}

// SubscriptionOf returns the subscription that r negotiates for.
func (c *Chain) SubscriptionOf(r Role) SubscriptionID {
	if r == RoleProvider {
		return c.OfferID
	}
	return c.DemandID
}

// AgreementState is the state of an agreement.
type AgreementState string

const (
	AgreementProposal   AgreementState = "proposal"
	AgreementPending    AgreementState = "pending"
	AgreementApproved   AgreementState = "approved"
	AgreementTerminated AgreementState = "terminated"
	AgreementCancelled  AgreementState = "cancelled"
	AgreementRejected   AgreementState = "rejected"
	AgreementExpired    AgreementState = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s AgreementState) Terminal() bool {
	switch s {
	case AgreementTerminated, AgreementCancelled, AgreementRejected, AgreementExpired:
		return true
	}
	return false
}

// Agreement is the contract produced by promoting a proposal.
type Agreement struct {
	ID                 AgreementID
	ChainID            ChainID
	ProposalID         ProposalID
	OfferID            SubscriptionID
	DemandID           SubscriptionID
	ProviderID         NodeID
	RequestorID        NodeID
	OfferSnapshot      props.Set
	DemandSnapshot     props.Set
	State              AgreementState
	ProposedSignature  []byte
	ApprovedSignature  []byte
	CommittedSignature []byte
	ValidTo            time.Time
	Reason             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PartyRole returns the role node plays in the agreement, or false if node
// is not a party.
func (a *Agreement) PartyRole(node NodeID) (Role, bool) {
	switch node {
	case a.ProviderID:
		return RoleProvider, true
	case a.RequestorID:
		return RoleRequestor, true
	}
	return "", false
}

// AgreementView is the read-only projection consumed by activity and payment
// services.
type AgreementView struct {
	ID             AgreementID
	ProviderID     NodeID
	RequestorID    NodeID
	OfferSnapshot  props.Set
	DemandSnapshot props.Set
	ValidTo        time.Time
	State          AgreementState
}

// View projects a into its read-only form.
func (a *Agreement) View() AgreementView {
	return AgreementView{
		ID:             a.ID,
		ProviderID:     a.ProviderID,
		RequestorID:    a.RequestorID,
		OfferSnapshot:  a.OfferSnapshot.Clone(),
		DemandSnapshot: a.DemandSnapshot.Clone(),
		ValidTo:        a.ValidTo,
		State:          a.State,
	}
}
