// Package engine wires the marketplace components into one node.
//
// An Engine owns the store, the subscription registry, the matcher, the
// negotiator, the agreement manager and the event feed, and connects them:
// the registry hands new subscriptions to the matcher and expires chains
// through the negotiator, the feed and the metrics follow every committed
// event append.
//
// Local operations are called directly and are safe from any goroutine.
// Peer messages either go through HandleMessage synchronously or are
// queued with Deliver and applied by the Run loop, which also runs the
// periodic expiry sweep.
package engine
