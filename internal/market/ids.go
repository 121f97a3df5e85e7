package market

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/roach88/agora/internal/props"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for migrating the hash input.
const (
	DomainSubscription = "agora/subscription/v1"
	DomainChain        = "agora/chain/v1"
)

// hashWithDomain computes blake3(domain || 0x00 || data).
// The null separator removes ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SubscriptionIDFor computes the content-derived id of a subscription.
// Local is excluded: the same offer has the same id on every node.
func SubscriptionIDFor(s *Subscription) (SubscriptionID, error) {
	obj := map[string]any{
		"kind":        string(s.Kind),
		"issuer":      string(s.Issuer),
		"properties":  s.Properties,
		"constraints": s.Constraints.String(),
		"created_at":  s.CreatedAt.UnixNano(),
	}
	if !s.ExpiresAt.IsZero() {
		obj["expires_at"] = s.ExpiresAt.UnixNano()
	}

	canonical, err := props.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("SubscriptionIDFor: failed to marshal: %w", err)
	}
	return SubscriptionID(hashWithDomain(DomainSubscription, canonical)), nil
}

// ChainIDFor derives the id of the negotiation chain for a pair. Every node
// that matches the pair computes the same id, which is also the id of the
// chain's root proposal, so peers can address the chain in messages.
func ChainIDFor(offer, demand SubscriptionID) ChainID {
	canonical, err := props.MarshalCanonical(map[string]any{
		"offer":  string(offer),
		"demand": string(demand),
	})
	if err != nil {
		// Two plain strings always marshal.
		panic(err)
	}
	return ChainID(hashWithDomain(DomainChain, canonical))
}

// IDGenerator produces ids for proposals and agreements.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids, then falls back to a numbered
// sequence with the given prefix once exhausted.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	ids    []string
	idx    int
	prefix string
	n      int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids, prefix: "id"}
}

// NewSequenceGenerator creates a generator yielding "<prefix>-1", "<prefix>-2", ...
func NewSequenceGenerator(prefix string) *FixedGenerator {
	return &FixedGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx < len(g.ids) {
		id := g.ids[g.idx]
		g.idx++
		return id
	}
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
