package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/agora/internal/props"
)

// Snapshot is the golden form of a scenario run: its trace and the final
// state of every node.
type Snapshot struct {
	Scenario string
	Trace    []TraceEntry
	State    map[string]any
}

// toCanonicalMap converts the snapshot into the plain tree accepted by
// props.MarshalCanonical. Empty fields are left out.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		m := map[string]any{
			"seq":  e.Seq,
			"kind": e.Kind,
		}
		for k, v := range map[string]string{
			"node":       e.Node,
			"op":         e.Op,
			"outcome":    e.Outcome,
			"id":         e.ID,
			"subscriber": e.Subscriber,
			"type":       e.Type,
			"chain":      e.Chain,
			"proposal":   e.Proposal,
			"agreement":  e.Agreement,
		} {
			if v != "" {
				m[k] = v
			}
		}
		if e.FeedSeq != 0 {
			m["feed_seq"] = e.FeedSeq
		}
		if len(e.Detail) > 0 {
			detail := make(map[string]any, len(e.Detail))
			for k, v := range e.Detail {
				detail[k] = v
			}
			m["detail"] = detail
		}
		trace[i] = m
	}

	out := map[string]any{
		"scenario": s.Scenario,
		"trace":    trace,
	}
	if len(s.State) > 0 {
		out["state"] = s.State
	}
	return out
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{Scenario: name, Trace: result.Trace, State: result.State}
	return props.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
