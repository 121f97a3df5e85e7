// Package store provides SQLite-backed durable storage for the marketplace.
//
// The store holds five record kinds:
//   - Subscriptions: local and remote offers/demands (insert-if-absent by id)
//   - Chains: one row per (offer, demand) pair, carrying the current tip
//   - Proposals: negotiation rounds, UNIQUE(chain_id, prev_id) so a chain
//     can never branch
//   - Agreements: at most one live agreement per chain (partial unique index)
//   - Events: append-only per-subscriber log, seq allocated from feed_cursors
//
// # Compare-and-swap
//
// Every state transition is a conditional UPDATE (WHERE id = ? AND state = ?)
// followed by a RowsAffected check. Zero rows means another writer won; the
// caller rereads the record to classify the failure. Transitions and the
// events they emit are written in one transaction, so an event exists if and
// only if its transition committed.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - one open connection: SQLite supports a single writer
//
// Update callbacks must only use the *Tx they are handed. Calling Store
// methods from inside a callback deadlocks on the single connection.
package store
