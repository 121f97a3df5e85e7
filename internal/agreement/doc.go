// Package agreement manages the lifecycle of agreements produced by
// promoting a negotiation chain.
//
// States move Proposal → Pending → Approved → Terminated, with side exits
// Proposal → Cancelled, Pending → Rejected and Proposal/Pending → Expired.
// Every transition is a compare-and-swap on the stored state: of two racing
// callers exactly one wins, the other gets INVALID_STATE unless it asked for
// the transition that already happened, which is reported as success.
//
// Each party is notified through its node feed (subscriber id = node id).
// Parties on other nodes are reached through the market.Transport after the
// transition commits.
package agreement
