package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *Result {
	r := NewResult()
	r.addEntry(TraceEntry{Kind: TraceStep, Node: "node-r", Op: OpPromote, Outcome: OutcomeOK, ID: "a1"})
	r.addEntry(TraceEntry{Kind: TraceEvent, Node: "node-r", Subscriber: "node-r", Type: "agreement_proposed", Chain: "o~d", Agreement: "a1"})
	r.addEntry(TraceEntry{Kind: TraceEvent, Node: "node-p", Subscriber: "node-p", Type: "agreement_proposed", Chain: "o~d", Agreement: "a1"})
	r.addEntry(TraceEntry{Kind: TraceEvent, Node: "node-r", Subscriber: "node-r", Type: "agreement_confirmed", Chain: "o~d", Agreement: "a1"})
	r.State["node-p"] = map[string]any{
		"subscriptions": map[string]any{"o": "active"},
		"chains":        map[string]any{"o~d": "promoted"},
		"agreements":    map[string]any{"a1": "pending"},
	}
	return r
}

func TestEvaluateAssertions_TraceContains(t *testing.T) {
	r := sampleResult()

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceContains, Event: "agreement_proposed", Node: "node-p", Agreement: "a1"},
		{Type: AssertTraceContains, Event: "agreement_confirmed", Subscriber: "node-r", Chain: "o~d"},
	})
	assert.Empty(t, errs)

	errs = EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceContains, Event: "agreement_confirmed", Node: "node-p"},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Assertion failed: trace_contains")
	assert.Contains(t, errs[0], "event agreement_confirmed node=node-p")
}

func TestEvaluateAssertions_TraceOrder(t *testing.T) {
	r := sampleResult()

	assert.Empty(t, EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceOrder, Events: []string{"agreement_proposed", "agreement_confirmed"}},
	}))

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceOrder, Events: []string{"agreement_confirmed", "agreement_proposed"}},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "agreement_proposed not found after agreement_confirmed")
}

func TestEvaluateAssertions_TraceCount(t *testing.T) {
	r := sampleResult()

	assert.Empty(t, EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceCount, Event: "agreement_proposed", Count: 2},
		{Type: AssertTraceCount, Event: "agreement_proposed", Node: "node-r", Count: 1},
		{Type: AssertTraceCount, Event: "agreement_expired", Count: 0},
	}))

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceCount, Event: "agreement_confirmed", Count: 2},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Actual: 1 x agreement_confirmed")
}

func TestEvaluateAssertions_StepsAreNotEvents(t *testing.T) {
	r := sampleResult()
	assert.Len(t, r.Events(""), 3)
	assert.Len(t, r.Events("node-r"), 2)
}

func TestEvaluateAssertions_FinalState(t *testing.T) {
	r := sampleResult()

	assert.Empty(t, EvaluateAssertions(r, []Assertion{
		{Type: AssertFinalState, Node: "node-p", Subscription: "o", State: "active"},
		{Type: AssertFinalState, Node: "node-p", Chain: "o~d", State: "promoted"},
		{Type: AssertFinalState, Node: "node-p", Agreement: "a1", State: "pending"},
	}))

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertFinalState, Node: "node-p", Agreement: "a1", State: "approved"},
		{Type: AssertFinalState, Node: "node-p", Agreement: "a2", State: "approved"},
		{Type: AssertFinalState, Node: "node-x", Chain: "o~d", State: "open"},
	})
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "Actual: state pending")
	assert.Contains(t, errs[1], "record not found")
	assert.Contains(t, errs[2], "unknown node")
}
