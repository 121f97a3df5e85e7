package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/props"
)

// JSON shapes of the records the CLI prints.

type eventView struct {
	Subscriber  string          `json:"subscriber"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	ChainID     string          `json:"chain_id,omitempty"`
	ProposalID  string          `json:"proposal_id,omitempty"`
	AgreementID string          `json:"agreement_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func newEventView(e market.Event) eventView {
	return eventView{
		Subscriber:  e.SubscriberID,
		Seq:         e.Seq,
		Type:        string(e.Type),
		ChainID:     string(e.ChainID),
		ProposalID:  string(e.ProposalID),
		AgreementID: string(e.AgreementID),
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
}

type proposalView struct {
	ID          string    `json:"id"`
	ChainID     string    `json:"chain_id"`
	PrevID      string    `json:"prev_id,omitempty"`
	Issuer      string    `json:"issuer"`
	IssuerNode  string    `json:"issuer_node"`
	State       string    `json:"state"`
	MatchKind   string    `json:"match_kind"`
	Properties  props.Set `json:"properties"`
	Constraints string    `json:"constraints,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newProposalView(p market.Proposal) proposalView {
	return proposalView{
		ID:          string(p.ID),
		ChainID:     string(p.ChainID),
		PrevID:      string(p.PrevID),
		Issuer:      string(p.Issuer),
		IssuerNode:  string(p.IssuerNode),
		State:       string(p.State),
		MatchKind:   p.MatchKind.String(),
		Properties:  p.Properties,
		Constraints: p.Constraints.String(),
		CreatedAt:   p.CreatedAt,
	}
}

type agreementView struct {
	ID             string    `json:"id"`
	ChainID        string    `json:"chain_id"`
	ProposalID     string    `json:"proposal_id"`
	ProviderID     string    `json:"provider_id"`
	RequestorID    string    `json:"requestor_id"`
	State          string    `json:"state"`
	OfferSnapshot  props.Set `json:"offer_snapshot"`
	DemandSnapshot props.Set `json:"demand_snapshot"`
	ValidTo        time.Time `json:"valid_to"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newAgreementView(a market.Agreement) agreementView {
	return agreementView{
		ID:             string(a.ID),
		ChainID:        string(a.ChainID),
		ProposalID:     string(a.ProposalID),
		ProviderID:     string(a.ProviderID),
		RequestorID:    string(a.RequestorID),
		State:          string(a.State),
		OfferSnapshot:  a.OfferSnapshot,
		DemandSnapshot: a.DemandSnapshot,
		ValidTo:        a.ValidTo,
		Reason:         a.Reason,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (v agreementView) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agreement %s  %s\n", v.ID, v.State)
	fmt.Fprintf(&b, "  provider:  %s\n", v.ProviderID)
	fmt.Fprintf(&b, "  requestor: %s\n", v.RequestorID)
	fmt.Fprintf(&b, "  proposal:  %s\n", v.ProposalID)
	fmt.Fprintf(&b, "  offer:     %s\n", v.OfferSnapshot)
	fmt.Fprintf(&b, "  demand:    %s\n", v.DemandSnapshot)
	fmt.Fprintf(&b, "  valid to:  %s", v.ValidTo.Format(time.RFC3339))
	if v.Reason != "" {
		fmt.Fprintf(&b, "\n  reason:    %s", v.Reason)
	}
	return b.String()
}
