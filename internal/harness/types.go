package harness

// Trace entry kinds.
const (
	TraceStep  = "step"
	TraceEvent = "event"
)

// TraceEntry is one step outcome or one feed event, in the order they
// happened across all nodes. Ids are rendered by their scenario names.
type TraceEntry struct {
	Seq  int64  `json:"seq"`
	Kind string `json:"kind"`
	Node string `json:"node,omitempty"`

	// Step entries.
	Op      string `json:"op,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	ID      string `json:"id,omitempty"`

	// Event entries.
	Subscriber string            `json:"subscriber,omitempty"`
	Type       string            `json:"type,omitempty"`
	FeedSeq    int64             `json:"feed_seq,omitempty"`
	Chain      string            `json:"chain,omitempty"`
	Proposal   string            `json:"proposal,omitempty"`
	Agreement  string            `json:"agreement,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// OutcomeOK marks a step that succeeded.
const OutcomeOK = "ok"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step ended as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	Trace []TraceEntry `json:"trace"`

	// Errors holds one message per failed expectation.
	Errors []string `json:"errors,omitempty"`

	// State maps node id to the final states of the named records on
	// that node, grouped as subscriptions, chains, agreements.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addEntry appends e with the next trace sequence number and returns its
// index.
func (r *Result) addEntry(e TraceEntry) int {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
	return len(r.Trace) - 1
}

// Events returns the event entries, optionally restricted to one node.
func (r *Result) Events(node string) []TraceEntry {
	var out []TraceEntry
	for _, e := range r.Trace {
		if e.Kind != TraceEvent {
			continue
		}
		if node != "" && e.Node != node {
			continue
		}
		out = append(out, e)
	}
	return out
}
