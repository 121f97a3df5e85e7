package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It carries the node's events so the failure can be read in context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Events   []TraceEntry
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Events) > 0 {
		fmt.Fprintf(&buf, "\nEvents:\n")
		for _, ev := range e.Events {
			fmt.Fprintf(&buf, "  [%d] %s %s -> %s\n", ev.Seq, ev.Node, ev.Type, ev.Subscriber)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns one
// message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result, a)
		case AssertTraceCount:
			err = assertTraceCount(result, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertTraceContains checks that some event matches every field the
// assertion sets.
func assertTraceContains(result *Result, a Assertion) error {
	events := result.Events(a.Node)
	for _, ev := range events {
		if matchEvent(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Events:   events,
	}
}

func matchEvent(ev TraceEntry, a Assertion) bool {
	return ev.Type == a.Event &&
		(a.Subscriber == "" || ev.Subscriber == a.Subscriber) &&
		(a.Chain == "" || ev.Chain == a.Chain) &&
		(a.Proposal == "" || ev.Proposal == a.Proposal) &&
		(a.Agreement == "" || ev.Agreement == a.Agreement)
}

func describe(a Assertion) string {
	parts := []string{"event " + a.Event}
	for _, f := range []struct{ k, v string }{
		{"node", a.Node},
		{"subscriber", a.Subscriber},
		{"chain", a.Chain},
		{"proposal", a.Proposal},
		{"agreement", a.Agreement},
	} {
		if f.v != "" {
			parts = append(parts, f.k+"="+f.v)
		}
	}
	return strings.Join(parts, " ")
}

// assertTraceOrder checks that the listed event types occur in order.
// Other events may sit between them.
func assertTraceOrder(result *Result, a Assertion) error {
	events := result.Events(a.Node)
	next := 0
	for _, ev := range events {
		if next < len(a.Events) && ev.Type == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(a.Events, " -> "),
		Actual:   fmt.Sprintf("%s not found after %s", a.Events[next], strings.Join(a.Events[:next], " -> ")),
		Events:   events,
	}
}

// assertTraceCount checks how many events of a type occurred.
func assertTraceCount(result *Result, a Assertion) error {
	events := result.Events(a.Node)
	count := 0
	for _, ev := range events {
		if ev.Type == a.Event {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d x %s", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d x %s", count, a.Event),
		Events:   events,
	}
}

// assertFinalState checks a record's state in the collected final state.
func assertFinalState(result *Result, a Assertion) error {
	group, name := "subscriptions", a.Subscription
	switch {
	case a.Chain != "":
		group, name = "chains", a.Chain
	case a.Agreement != "":
		group, name = "agreements", a.Agreement
	}

	node, ok := result.State[a.Node].(map[string]any)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: "node " + a.Node,
			Actual:   "unknown node",
		}
	}
	records, _ := node[group].(map[string]any)
	got, ok := records[name]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s on %s in state %s", group, name, a.Node, a.State),
			Actual:   "record not found",
		}
	}
	if got != a.State {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s on %s in state %s", group, name, a.Node, a.State),
			Actual:   fmt.Sprintf("state %v", got),
		}
	}
	return nil
}
