// Package negotiation implements the proposal chain state machine.
//
// A chain is a linked sequence of proposals between one offer and one
// demand. Only the tip is open. Parties reply to the tip they received:
//
//	Counter  appends a new tip (the old tip becomes Countered)
//	Reject   closes the chain as Rejected
//	Promote  closes the chain as Promoted and creates an Agreement
//	Expiry   closes the chain as Expired when its subscription expires
//
// Every operation is one store transaction whose first write is a
// compare-and-swap on the chain tip. Two parties replying to the same tip
// race on that CAS; the loser gets STALE_PROPOSAL and must refetch. The core
// never retries.
//
// Operations invoked locally notify a remote counterparty through the
// market.Transport after commit. The Handle* methods apply the same
// operations when they arrive from a peer, absorbing duplicates.
package negotiation
