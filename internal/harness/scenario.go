package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/agora/internal/market"
)

// Scenario defines a multi-node marketplace scenario.
// Every node runs its own engine and store; the nodes share a loopback
// network and one mock clock.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes lists the node ids taking part.
	Nodes []string `yaml:"nodes"`

	// RequireSignatures makes promote and approve reject unsigned calls.
	RequireSignatures bool `yaml:"require_signatures,omitempty"`

	// AgreementTTL overrides the default validity of promoted agreements.
	AgreementTTL time.Duration `yaml:"agreement_ttl,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation performed on one node.
//
// Ids produced by a step can be named with As and referenced by later
// steps. Publishing an offer and a demand that are both named also names
// their chain "<offer>~<demand>"; the chain root shares that name.
type Step struct {
	Op   string `yaml:"op"`
	Node string `yaml:"node,omitempty"`
	As   string `yaml:"as,omitempty"`

	// Publish fields. Properties are also the counter terms.
	Kind        string         `yaml:"kind,omitempty"`
	Properties  map[string]any `yaml:"properties,omitempty"`
	Constraints string         `yaml:"constraints,omitempty"`
	ExpiresIn   time.Duration  `yaml:"expires_in,omitempty"`

	// Subscription names the target of unsubscribe.
	Subscription string `yaml:"subscription,omitempty"`

	// Tip names the proposal to answer. When empty, the current tip of
	// Chain on the acting node is used.
	Tip   string `yaml:"tip,omitempty"`
	Chain string `yaml:"chain,omitempty"`

	Agreement string        `yaml:"agreement,omitempty"`
	By        string        `yaml:"by,omitempty"`
	Reason    string        `yaml:"reason,omitempty"`
	Signature string        `yaml:"signature,omitempty"`
	ValidFor  time.Duration `yaml:"valid_for,omitempty"`

	// Duration is how far advance moves the clock.
	Duration time.Duration `yaml:"duration,omitempty"`

	// Expect is the error code the step must fail with. Empty means the
	// step must succeed.
	Expect string `yaml:"expect,omitempty"`
}

// Step operations.
const (
	OpPublish         = "publish"
	OpUnsubscribe     = "unsubscribe"
	OpCounter         = "counter"
	OpReject          = "reject"
	OpPromote         = "promote"
	OpConfirm         = "confirm"
	OpApprove         = "approve"
	OpRejectAgreement = "reject_agreement"
	OpCancel          = "cancel"
	OpTerminate       = "terminate"
	OpAdvance         = "advance"
	OpSweep           = "sweep"
	OpDisconnect      = "disconnect"
	OpReconnect       = "reconnect"
)

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Node restricts trace assertions to one node's events. Required for
	// final_state.
	Node string `yaml:"node,omitempty"`

	// Event is the event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Events is the expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Subscriber, Chain, Proposal and Agreement narrow trace_contains.
	// For final_state exactly one of Subscription, Chain and Agreement
	// names the record whose State is checked.
	Subscriber   string `yaml:"subscriber,omitempty"`
	Subscription string `yaml:"subscription,omitempty"`
	Chain        string `yaml:"chain,omitempty"`
	Proposal     string `yaml:"proposal,omitempty"`
	Agreement    string `yaml:"agreement,omitempty"`
	State        string `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

var nodeOps = []string{
	OpPublish, OpUnsubscribe, OpCounter, OpReject, OpPromote, OpConfirm,
	OpApprove, OpRejectAgreement, OpCancel, OpTerminate, OpDisconnect, OpReconnect,
}

var roleOps = []string{
	OpCounter, OpReject, OpPromote, OpConfirm, OpApprove,
	OpRejectAgreement, OpCancel, OpTerminate,
}

var agreementOps = []string{OpConfirm, OpApprove, OpRejectAgreement, OpCancel, OpTerminate}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) == 0 {
		return fmt.Errorf("nodes list is required and must be non-empty")
	}
	for i, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes[%d]: empty node id", i)
		}
		if slices.Contains(s.Nodes[:i], n) {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], s.Nodes); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step, nodes []string) error {
	switch st.Op {
	case OpPublish, OpUnsubscribe, OpCounter, OpReject, OpPromote, OpConfirm,
		OpApprove, OpRejectAgreement, OpCancel, OpTerminate, OpAdvance, OpSweep,
		OpDisconnect, OpReconnect:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}

	if slices.Contains(nodeOps, st.Op) && st.Node == "" {
		return fmt.Errorf("steps[%d]: node is required for %s", index, st.Op)
	}
	if st.Node != "" && !slices.Contains(nodes, st.Node) {
		return fmt.Errorf("steps[%d]: unknown node %q", index, st.Node)
	}
	if slices.Contains(roleOps, st.Op) && !market.Role(st.By).Valid() {
		return fmt.Errorf("steps[%d]: by must be provider or requestor for %s", index, st.Op)
	}
	if slices.Contains(agreementOps, st.Op) && st.Agreement == "" {
		return fmt.Errorf("steps[%d]: agreement is required for %s", index, st.Op)
	}

	switch st.Op {
	case OpPublish:
		if !market.Kind(st.Kind).Valid() {
			return fmt.Errorf("steps[%d]: kind must be offer or demand", index)
		}
	case OpUnsubscribe:
		if st.Subscription == "" {
			return fmt.Errorf("steps[%d]: subscription is required for unsubscribe", index)
		}
	case OpCounter, OpReject, OpPromote:
		if st.Tip == "" && st.Chain == "" {
			return fmt.Errorf("steps[%d]: tip or chain is required for %s", index, st.Op)
		}
	case OpAdvance:
		if st.Duration <= 0 {
			return fmt.Errorf("steps[%d]: advance needs a positive duration", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Node == "" {
			return fmt.Errorf("assertions[%d]: node is required for final_state", index)
		}
		targets := 0
		for _, s := range []string{a.Subscription, a.Chain, a.Agreement} {
			if s != "" {
				targets++
			}
		}
		if targets != 1 {
			return fmt.Errorf("assertions[%d]: final_state needs exactly one of subscription, chain, agreement", index)
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
