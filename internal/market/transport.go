package market

import (
	"context"
	"time"

	"github.com/roach88/agora/internal/props"
)

// MessageType names a peer-to-peer negotiation message.
type MessageType string

const (
	MsgCounter             MessageType = "counter"
	MsgReject              MessageType = "reject"
	MsgAgreementProposed   MessageType = "agreement_proposed"
	MsgAgreementConfirmed  MessageType = "agreement_confirmed"
	MsgAgreementApproved   MessageType = "agreement_approved"
	MsgAgreementRejected   MessageType = "agreement_rejected"
	MsgAgreementCancelled  MessageType = "agreement_cancelled"
	MsgAgreementTerminated MessageType = "agreement_terminated"
)

// Message is a proposal or agreement message exchanged between peers.
// Delivery is at-least-once and unordered; every handler is idempotent.
type Message struct {
	Type MessageType
	From NodeID

	// Proposal messages.
	ChainID     ChainID
	PrevID      ProposalID
	ProposalID  ProposalID
	Issuer      Role
	Properties  props.Set
	Constraints string
	Reason      string

	// Agreement messages.
	Agreement *Agreement
	Signature []byte

	SentAt time.Time
}

// Transport delivers broadcasts and direct messages to peers.
// Implementations live outside the core.
type Transport interface {
	Broadcast(ctx context.Context, sub Subscription) error
	SendTo(ctx context.Context, peer NodeID, msg Message) error
}

// NopTransport drops everything. Used when a node runs without peers.
type NopTransport struct{}

// Broadcast implements Transport.
func (NopTransport) Broadcast(context.Context, Subscription) error { return nil }

// SendTo implements Transport.
func (NopTransport) SendTo(context.Context, NodeID, Message) error { return nil }

// Signer produces and checks opaque signatures. The core only checks that a
// signature is present; it never inspects one.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Verify(data, sig []byte, node NodeID) bool
}
