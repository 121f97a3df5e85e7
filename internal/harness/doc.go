// Package harness runs marketplace scenarios across several nodes and
// checks their outcome.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: happy_path
//	description: "What this scenario validates"
//	nodes: [node-p, node-r]
//	steps:
//	  - op: publish
//	    node: node-p
//	    as: offer
//	    kind: offer
//	    properties: {cpu: 4, price: 1.5}
//	    constraints: "(price>=1)"
//	  - op: promote
//	    node: node-r
//	    as: a1
//	    chain: offer~demand
//	    by: requestor
//	  - op: approve
//	    node: node-p
//	    agreement: a1
//	    by: provider
//	    expect: INVALID_STATE
//	assertions:
//	  - type: final_state
//	    node: node-p
//	    agreement: a1
//	    state: proposal
//
// Steps name the ids they produce with "as". Naming an offer and a demand
// also names their chain, and its root proposal, "<offer>~<demand>".
// A step with "expect" must fail with that error code; any other step must
// succeed.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type and fields occurred
//   - trace_order: event types occurred in the given order
//   - trace_count: an event type occurred exactly N times
//   - final_state: a subscription, chain or agreement ended in a state
//
// # Deterministic Testing
//
// Nodes run on in-memory SQLite databases with sequence id generators and
// share one mock clock. Peers talk over a synchronous loopback, so the trace
// of step outcomes and feed events is identical across runs and can be
// compared against a golden snapshot:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/happy_path.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
