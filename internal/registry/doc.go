// Package registry owns the node's view of Offers and Demands.
//
// Local subscriptions are published here and kept in memory while active.
// Remote subscriptions learned from broadcasts are ingested idempotently and
// held in a bounded LRU cache; evicted entries stop being matching
// candidates and their stored rows are marked evicted, so a replayed
// broadcast of the same id is still absorbed as a duplicate.
//
// The registry triggers a matching pass for every newly known subscription
// and cascades subscription expiry to open negotiation chains. Both
// collaborators are injected after construction because they in turn read
// candidates from the registry.
package registry
