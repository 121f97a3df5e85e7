// Package constraint parses and evaluates constraint expressions over
// property sets.
//
// The text syntax is an LDAP-style filter:
//
//	(&(price<=2.0)(golem.inf.cpu.cores>=2)(!(gpu=*)))
//
// Comparisons are "=", "<", "<=", ">", ">=" and presence "=*". They combine
// with "&" (and), "|" (or) and "!" (not). An empty expression places no
// constraints and is always satisfied. A backslash escapes "(", ")", "*" and
// "\" inside a literal.
//
// Parsing happens once, when a subscription or proposal is published.
// Evaluation is pure and total: a comparison against a missing path is false,
// a type mismatch is false, and nothing panics.
//
// MatchKind composes two evaluations and is the single matching decision used
// by the matcher and the negotiation engine.
package constraint
