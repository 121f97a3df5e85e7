package market

import (
	"encoding/json"
	"time"
)

// EventType names a feed event.
type EventType string

const (
	EventProposalReceived    EventType = "proposal_received"
	EventProposalRejected    EventType = "proposal_rejected"
	EventProposalExpired     EventType = "proposal_expired"
	EventAgreementProposed   EventType = "agreement_proposed"
	EventAgreementConfirmed  EventType = "agreement_confirmed"
	EventAgreementApproved   EventType = "agreement_approved"
	EventAgreementRejected   EventType = "agreement_rejected"
	EventAgreementCancelled  EventType = "agreement_cancelled"
	EventAgreementExpired    EventType = "agreement_expired"
	EventAgreementTerminated EventType = "agreement_terminated"
)

// Event is an immutable entry in a subscriber's feed.
//
// Proposal events are addressed to the receiving party's subscription id;
// agreement events to each party's node id.
type Event struct {
	SubscriberID string
	// Seq is assigned on append. Strictly increasing per subscriber.
	Seq         int64
	Type        EventType
	ChainID     ChainID
	ProposalID  ProposalID
	AgreementID AgreementID
	// Payload carries event-specific detail, e.g. a rejection reason.
	Payload   json.RawMessage
	CreatedAt time.Time
}

// EventDetail is the payload shape used by the core's own events.
type EventDetail struct {
	Reason    string `json:"reason,omitempty"`
	Issuer    Role   `json:"issuer,omitempty"`
	MatchKind string `json:"match_kind,omitempty"`
	State     string `json:"state,omitempty"`
}

// NewEvent builds an unsequenced event with an encoded detail payload.
func NewEvent(subscriber string, typ EventType, detail EventDetail, at time.Time) Event {
	payload, err := json.Marshal(detail)
	if err != nil {
		// EventDetail only holds strings.
		panic(err)
	}
	return Event{
		SubscriberID: subscriber,
		Type:         typ,
		Payload:      payload,
		CreatedAt:    at,
	}
}

// Detail decodes the payload written by NewEvent.
func (e *Event) Detail() (EventDetail, error) {
	var d EventDetail
	if len(e.Payload) == 0 {
		return d, nil
	}
	err := json.Unmarshal(e.Payload, &d)
	return d, err
}
