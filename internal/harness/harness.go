package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/roach88/agora/internal/engine"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/negotiation"
	"github.com/roach88/agora/internal/props"
	"github.com/roach88/agora/internal/registry"
	"github.com/roach88/agora/internal/store"
	"github.com/roach88/agora/internal/testutil"
)

// harness runs one scenario. Every node gets an in-memory store and an
// engine wired to a shared loopback, so peer messages are applied before
// the step that sent them returns and the trace is deterministic.
type harness struct {
	clock   *clock.Mock
	loop    *engine.Loopback
	nodes   []market.NodeID
	engines map[market.NodeID]*engine.Engine
	stores  []*store.Store

	mu     sync.Mutex
	result *Result

	ids   map[string]string // name -> id
	names map[string]string // id -> name
	kinds map[string]market.Kind
	subs  []string
}

// Run executes a scenario and returns its result.
//
// Execution:
// 1. Create one engine per node on a fresh in-memory database
// 2. Execute steps in order, recording each outcome and every feed event
// 3. Collect the final state of every known record
// 4. Evaluate assertions
//
// A step that ends differently from its expectation fails the result but
// does not stop the run. The returned error is reserved for setup failures.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h := &harness{
		clock:   testutil.NewClock(),
		loop:    engine.NewLoopback(),
		engines: make(map[market.NodeID]*engine.Engine),
		result:  NewResult(),
		ids:     make(map[string]string),
		names:   make(map[string]string),
		kinds:   make(map[string]market.Kind),
	}
	defer h.close()

	if err := h.start(ctx, scenario); err != nil {
		return nil, err
	}
	for i := range scenario.Steps {
		h.execute(ctx, i, &scenario.Steps[i])
	}
	h.rename()

	if err := h.collectState(ctx); err != nil {
		return nil, fmt.Errorf("failed to collect final state: %w", err)
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *harness) start(ctx context.Context, scenario *Scenario) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, n := range scenario.Nodes {
		node := market.NodeID(n)
		st, err := store.Open(":memory:")
		if err != nil {
			return fmt.Errorf("failed to create in-memory store for %s: %w", n, err)
		}
		h.stores = append(h.stores, st)
		st.OnAppend(h.recorder(n))

		opts := []engine.Option{
			engine.WithClock(h.clock),
			engine.WithLogger(logger),
			engine.WithIDGenerator(market.NewSequenceGenerator(n)),
			engine.WithTransport(h.loop.Transport(node)),
			engine.WithRequireSignatures(scenario.RequireSignatures),
		}
		if scenario.AgreementTTL > 0 {
			opts = append(opts, engine.WithDefaultAgreementTTL(scenario.AgreementTTL))
		}
		e, err := engine.New(ctx, st, node, opts...)
		if err != nil {
			return fmt.Errorf("failed to start node %s: %w", n, err)
		}
		h.loop.Join(e)
		h.engines[node] = e
		h.nodes = append(h.nodes, node)
	}
	return nil
}

func (h *harness) close() {
	for _, e := range h.engines {
		e.Close()
	}
	for _, st := range h.stores {
		st.Close()
	}
}

// recorder appends committed feed events of node to the trace.
func (h *harness) recorder(node string) store.AppendHook {
	return func(events []market.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ev := range events {
			h.result.addEntry(TraceEntry{
				Kind:       TraceEvent,
				Node:       node,
				Subscriber: ev.SubscriberID,
				Type:       string(ev.Type),
				FeedSeq:    ev.Seq,
				Chain:      string(ev.ChainID),
				Proposal:   string(ev.ProposalID),
				Agreement:  string(ev.AgreementID),
				Detail:     detailOf(ev),
			})
		}
	}
}

func detailOf(ev market.Event) map[string]string {
	d, err := ev.Detail()
	if err != nil {
		return map[string]string{"raw": string(ev.Payload)}
	}
	out := make(map[string]string)
	for k, v := range map[string]string{
		"reason":     d.Reason,
		"issuer":     string(d.Issuer),
		"match_kind": d.MatchKind,
		"state":      d.State,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// execute runs one step and records its outcome against the expectation.
func (h *harness) execute(ctx context.Context, index int, st *Step) {
	h.mu.Lock()
	at := h.result.addEntry(TraceEntry{Kind: TraceStep, Node: st.Node, Op: st.Op})
	h.mu.Unlock()

	id, err := h.apply(ctx, st)
	outcome := outcomeOf(err)
	if id != "" && st.As != "" {
		h.name(id, st.As)
		if st.Op == OpPublish {
			h.nameChains(st.As, market.Kind(st.Kind))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Trace[at].Outcome = outcome
	h.result.Trace[at].ID = id

	expected := st.Expect
	if expected == "" {
		expected = OutcomeOK
	}
	if outcome != expected {
		msg := fmt.Sprintf("steps[%d] %s on %s: expected %s, got %s", index, st.Op, st.Node, expected, outcome)
		if err != nil {
			msg += ": " + err.Error()
		}
		h.result.AddError(msg)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := market.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

// apply performs st and returns the id it produced, if any.
func (h *harness) apply(ctx context.Context, st *Step) (string, error) {
	e := h.engines[market.NodeID(st.Node)]
	by := market.Role(st.By)

	switch st.Op {
	case OpPublish:
		properties, err := props.FromMap(st.Properties)
		if err != nil {
			return "", market.NewParseError("properties", err)
		}
		spec := registry.Spec{
			Kind:        market.Kind(st.Kind),
			Properties:  properties,
			Constraints: st.Constraints,
		}
		if st.ExpiresIn > 0 {
			spec.ExpiresAt = h.clock.Now().UTC().Add(st.ExpiresIn)
		}
		id, err := e.Publish(ctx, spec)
		return string(id), err

	case OpUnsubscribe:
		return "", e.Unsubscribe(ctx, market.SubscriptionID(h.resolve(st.Subscription)))

	case OpCounter:
		tip, err := h.tip(ctx, e, st)
		if err != nil {
			return "", err
		}
		properties, err := props.FromMap(st.Properties)
		if err != nil {
			return "", market.NewParseError("properties", err)
		}
		id, err := e.Negotiator().Counter(ctx, tip, properties, st.Constraints, by)
		return string(id), err

	case OpReject:
		tip, err := h.tip(ctx, e, st)
		if err != nil {
			return "", err
		}
		return "", e.Negotiator().Reject(ctx, tip, by, st.Reason)

	case OpPromote:
		tip, err := h.tip(ctx, e, st)
		if err != nil {
			return "", err
		}
		var params negotiation.PromoteParams
		if st.ValidFor > 0 {
			params.ValidTo = h.clock.Now().UTC().Add(st.ValidFor)
		}
		if st.Signature != "" {
			params.ProposedSignature = []byte(st.Signature)
		}
		id, err := e.Negotiator().Promote(ctx, tip, by, params)
		return string(id), err

	case OpConfirm:
		return "", e.Agreements().Confirm(ctx, h.agreement(st), by)
	case OpApprove:
		var sig []byte
		if st.Signature != "" {
			sig = []byte(st.Signature)
		}
		return "", e.Agreements().Approve(ctx, h.agreement(st), by, sig)
	case OpRejectAgreement:
		return "", e.Agreements().Reject(ctx, h.agreement(st), by, st.Reason)
	case OpCancel:
		return "", e.Agreements().Cancel(ctx, h.agreement(st), by, st.Reason)
	case OpTerminate:
		return "", e.Agreements().Terminate(ctx, h.agreement(st), by, st.Reason)

	case OpAdvance:
		h.clock.Add(st.Duration)
		return "", nil

	case OpSweep:
		var errs error
		for _, node := range h.nodes {
			if st.Node != "" && string(node) != st.Node {
				continue
			}
			if _, err := h.engines[node].Sweep(ctx); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		return "", errs

	case OpDisconnect:
		h.loop.SetDown(market.NodeID(st.Node), true)
		return "", nil
	case OpReconnect:
		h.loop.SetDown(market.NodeID(st.Node), false)
		return "", nil
	}
	return "", fmt.Errorf("unknown op %q", st.Op)
}

// tip resolves the proposal a step answers.
func (h *harness) tip(ctx context.Context, e *engine.Engine, st *Step) (market.ProposalID, error) {
	if st.Tip != "" {
		return market.ProposalID(h.resolve(st.Tip)), nil
	}
	chain, err := e.Negotiator().Chain(ctx, market.ChainID(h.resolve(st.Chain)))
	if err != nil {
		return "", err
	}
	return chain.TipID, nil
}

func (h *harness) agreement(st *Step) market.AgreementID {
	return market.AgreementID(h.resolve(st.Agreement))
}

// resolve maps a scenario name to its id. Unknown names are taken as ids.
func (h *harness) resolve(name string) string {
	if id, ok := h.ids[name]; ok {
		return id
	}
	return name
}

func (h *harness) name(id, name string) {
	h.ids[name] = id
	h.names[id] = name
}

// nameChains names the chain between a newly named subscription and every
// named subscription of the opposite kind.
func (h *harness) nameChains(sub string, kind market.Kind) {
	for _, other := range h.subs {
		if h.kinds[other] != kind.Opposite() {
			continue
		}
		offer, demand := sub, other
		if kind == market.KindDemand {
			offer, demand = other, sub
		}
		chainID := market.ChainIDFor(market.SubscriptionID(h.ids[offer]), market.SubscriptionID(h.ids[demand]))
		h.name(string(chainID), offer+"~"+demand)
	}
	h.kinds[sub] = kind
	h.subs = append(h.subs, sub)
}

func (h *harness) display(id string) string {
	if name, ok := h.names[id]; ok {
		return name
	}
	return id
}

// rename replaces ids in the trace with their scenario names. Names given
// by a step apply to events recorded before the step returned.
func (h *harness) rename() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.result.Trace {
		e := &h.result.Trace[i]
		e.ID = h.display(e.ID)
		e.Subscriber = h.display(e.Subscriber)
		e.Chain = h.display(e.Chain)
		e.Proposal = h.display(e.Proposal)
		e.Agreement = h.display(e.Agreement)
	}
}

// collectState records the final state of named subscriptions and of every
// chain and agreement on each node.
func (h *harness) collectState(ctx context.Context) error {
	for _, node := range h.nodes {
		e := h.engines[node]

		subs := make(map[string]any)
		for _, name := range h.subs {
			rec, err := e.Registry().Get(ctx, market.SubscriptionID(h.ids[name]))
			if market.IsCode(err, market.CodeNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			subs[name] = string(rec.Status)
		}

		chains := make(map[string]any)
		list, err := e.Store().ListChains(ctx, "")
		if err != nil {
			return err
		}
		for _, c := range list {
			chains[h.display(string(c.ID))] = string(c.State)
		}

		agreements := make(map[string]any)
		all, err := e.Agreements().List(ctx, store.AgreementFilter{})
		if err != nil {
			return err
		}
		for _, a := range all {
			agreements[h.display(string(a.ID))] = string(a.State)
		}

		h.result.State[string(node)] = map[string]any{
			"subscriptions": subs,
			"chains":        chains,
			"agreements":    agreements,
		}
	}
	return nil
}
