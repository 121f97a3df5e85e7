// Package props provides the typed property model shared by offers, demands,
// proposals and agreements.
//
// A property Set maps dotted-path keys ("golem.inf.cpu.cores") to typed Values.
// Nested objects are flattened to dotted paths when a Set is built, so lookups
// never walk a tree. Value is a sealed interface: only Bool, Number, String,
// Array and Missing implement it. Missing is what Lookup returns for an absent
// path; it is never stored in a Set.
//
// props imports nothing internal. Every other package builds on it.
package props
