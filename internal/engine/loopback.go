package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/roach88/agora/internal/market"
)

// Loopback is an in-memory network of engines in one process. Delivery is
// synchronous: Broadcast and SendTo return after the receiving engines have
// applied the message. Used by tests and the scenario harness.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[market.NodeID]*Engine

	// dropped counts messages that were not delivered, per destination.
	dropped map[market.NodeID]int
	down    map[market.NodeID]bool
}

// NewLoopback creates an empty network.
func NewLoopback() *Loopback {
	return &Loopback{
		nodes:   make(map[market.NodeID]*Engine),
		dropped: make(map[market.NodeID]int),
		down:    make(map[market.NodeID]bool),
	}
}

// Transport returns the transport an engine with the given node id should
// be built with.
func (l *Loopback) Transport(from market.NodeID) market.Transport {
	return &loopbackPort{net: l, from: from}
}

// Join attaches an engine so it receives broadcasts and messages.
func (l *Loopback) Join(e *Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[e.Node()] = e
}

// SetDown makes deliveries to node fail until it is set up again.
func (l *Loopback) SetDown(node market.NodeID, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[node] = down
}

// Dropped returns how many deliveries to node failed because it was down.
func (l *Loopback) Dropped(node market.NodeID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped[node]
}

// peers returns the reachable engines other than from, in node order.
func (l *Loopback) peers(from market.NodeID) []*Engine {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Engine
	for id, e := range l.nodes {
		if id == from {
			continue
		}
		if l.down[id] {
			l.dropped[id]++
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node() < out[j].Node() })
	return out
}

func (l *Loopback) target(peer market.NodeID) (*Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.nodes[peer]
	if !ok {
		return nil, fmt.Errorf("loopback: unknown peer %s", peer)
	}
	if l.down[peer] {
		l.dropped[peer]++
		return nil, fmt.Errorf("loopback: peer %s is down", peer)
	}
	return e, nil
}

type loopbackPort struct {
	net  *Loopback
	from market.NodeID
}

// Broadcast implements market.Transport.
func (p *loopbackPort) Broadcast(ctx context.Context, sub market.Subscription) error {
	var err error
	for _, e := range p.net.peers(p.from) {
		if _, ingestErr := e.IngestRemote(ctx, sub); ingestErr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", e.Node(), ingestErr))
		}
	}
	return err
}

// SendTo implements market.Transport.
func (p *loopbackPort) SendTo(ctx context.Context, peer market.NodeID, msg market.Message) error {
	e, err := p.net.target(peer)
	if err != nil {
		return err
	}
	return e.HandleMessage(ctx, msg)
}
