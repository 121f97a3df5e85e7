// Package market defines the marketplace records shared by every component:
// subscriptions (offers and demands), proposals and their negotiation chains,
// agreements, and feed events. It also defines the error taxonomy, identifier
// generation, and the interfaces of external collaborators (transport and
// signing).
//
// Records are values. Components never share mutable records; every state
// change goes through a compare-and-swap in the store.
package market
