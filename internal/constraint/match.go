package constraint

import "github.com/roach88/agora/internal/props"

// Kind classifies how an offer and a demand relate.
type Kind int

const (
	// None means neither side's constraints are satisfied.
	None Kind = iota
	// WeakProviderToRequestor means the offer's constraints accept the
	// demand's properties, but not the other way round.
	WeakProviderToRequestor
	// WeakRequestorToProvider means the demand's constraints accept the
	// offer's properties, but not the other way round.
	WeakRequestorToProvider
	// Strong means both sides accept each other.
	Strong
)

// String returns a stable name used in storage and events.
func (k Kind) String() string {
	switch k {
	case WeakProviderToRequestor:
		return "weak_provider_to_requestor"
	case WeakRequestorToProvider:
		return "weak_requestor_to_provider"
	case Strong:
		return "strong"
	default:
		return "none"
	}
}

// ParseKind is the inverse of Kind.String. Unknown names map to None.
func ParseKind(s string) Kind {
	switch s {
	case "weak_provider_to_requestor":
		return WeakProviderToRequestor
	case "weak_requestor_to_provider":
		return WeakRequestorToProvider
	case "strong":
		return Strong
	default:
		return None
	}
}

// IsMatch reports whether the pair is worth surfacing as a proposal.
func (k Kind) IsMatch() bool {
	return k != None
}

// Side is one party's properties and constraints.
type Side struct {
	Properties  props.Set
	Constraints *Expr
}

// MatchKind decides how an offer side and a demand side relate.
// Strong iff offer.Constraints accepts demand.Properties and
// demand.Constraints accepts offer.Properties.
func MatchKind(offer, demand Side) Kind {
	providerAccepts := offer.Constraints.Evaluate(demand.Properties)
	requestorAccepts := demand.Constraints.Evaluate(offer.Properties)

	switch {
	case providerAccepts && requestorAccepts:
		return Strong
	case providerAccepts:
		return WeakProviderToRequestor
	case requestorAccepts:
		return WeakRequestorToProvider
	default:
		return None
	}
}
