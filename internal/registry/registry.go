package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raulk/clock"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/metrics"
	"github.com/roach88/agora/internal/props"
	"github.com/roach88/agora/internal/store"
)

// DefaultRemoteCacheSize bounds the number of remote subscriptions kept as
// matching candidates.
const DefaultRemoteCacheSize = 4096

// Matcher runs a matching pass for a subscription the registry has just
// learned about.
type Matcher interface {
	MatchNew(ctx context.Context, sub market.Subscription) error
}

// ChainExpirer expires the open chains of a subscription inside the
// transaction that expires the subscription itself.
type ChainExpirer interface {
	ExpireChainsTx(ctx context.Context, tx *store.Tx, sub market.SubscriptionID, now time.Time) (int, error)
}

// Spec describes a subscription to publish.
type Spec struct {
	Kind        market.Kind
	Properties  props.Set
	Constraints string

	// ExpiresAt is optional for both kinds.
	ExpiresAt time.Time
}

// Registry indexes active subscriptions for matching.
//
// Thread-safety: safe for concurrent use. The index lock is never held
// across a store call.
type Registry struct {
	store   *store.Store
	node    market.NodeID
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	cacheSize int

	mu      sync.RWMutex
	local   map[market.SubscriptionID]market.Subscription
	remote  *lru.Cache[market.SubscriptionID, market.Subscription]
	evicted []market.SubscriptionID

	matcher Matcher
	expirer ChainExpirer
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for creation and expiry times.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithRemoteCacheSize bounds the remote subscription cache.
func WithRemoteCacheSize(n int) Option {
	return func(r *Registry) {
		r.cacheSize = n
	}
}

// New creates a registry publishing as node.
func New(st *store.Store, node market.NodeID, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:     st,
		node:      node,
		clock:     clock.New(),
		logger:    slog.Default(),
		cacheSize: DefaultRemoteCacheSize,
		local:     make(map[market.SubscriptionID]market.Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}

	cache, err := lru.NewWithEvict(r.cacheSize, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create remote cache: %w", err)
	}
	r.remote = cache
	return r, nil
}

// SetMatcher installs the matcher invoked for new subscriptions.
func (r *Registry) SetMatcher(m Matcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matcher = m
}

// SetChainExpirer installs the cascade target for subscription expiry.
func (r *Registry) SetChainExpirer(e ChainExpirer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expirer = e
}

// Node returns the identity local subscriptions are issued under.
func (r *Registry) Node() market.NodeID {
	return r.node
}

// Load rebuilds the in-memory index from the store. Call once at startup.
func (r *Registry) Load(ctx context.Context) error {
	recs, err := r.store.ListSubscriptions(ctx, store.SubscriptionFilter{Status: market.SubscriptionActive})
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	for _, rec := range recs {
		if rec.Local {
			r.mu.Lock()
			r.local[rec.ID] = rec.Subscription
			r.mu.Unlock()
			continue
		}
		r.remote.Add(rec.ID, rec.Subscription)
	}
	if err := r.flushEvicted(ctx); err != nil {
		return err
	}

	r.logger.Info("registry loaded", "subscriptions", len(recs))
	return nil
}

// Publish validates, stores and indexes a local subscription, then runs a
// matching pass for it.
//
// Malformed constraint text fails with a PARSE_ERROR before anything is
// stored. If matching fails the subscription stays published and the
// returned error wraps the matching failure.
func (r *Registry) Publish(ctx context.Context, spec Spec) (market.SubscriptionID, error) {
	if !spec.Kind.Valid() {
		return "", market.NewParseError("subscription kind", fmt.Errorf("unknown kind %q", spec.Kind))
	}
	expr, err := constraint.Parse(spec.Constraints)
	if err != nil {
		return "", market.NewParseError("constraints", err)
	}
	properties := spec.Properties
	if properties == nil {
		properties = props.Set{}
	}

	sub := market.Subscription{
		Kind:        spec.Kind,
		Issuer:      r.node,
		Properties:  properties.Clone(),
		Constraints: expr,
		CreatedAt:   r.clock.Now().UTC(),
		ExpiresAt:   spec.ExpiresAt,
		Local:       true,
	}
	if sub.ID, err = market.SubscriptionIDFor(&sub); err != nil {
		return "", err
	}

	var inserted bool
	err = r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertSubscription(ctx, sub, market.SubscriptionActive)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if !inserted {
		return sub.ID, nil
	}

	r.mu.Lock()
	r.local[sub.ID] = sub
	r.mu.Unlock()

	r.metrics.SubscriptionPublished(sub.Kind)
	r.logger.Info("subscription published",
		"id", sub.ID,
		"kind", sub.Kind,
		"properties", sub.Properties.String(),
	)

	if err := r.match(ctx, sub); err != nil {
		return sub.ID, err
	}
	return sub.ID, nil
}

// IngestRemote stores a subscription learned from a peer.
//
// The id is re-derived from the content and must match. Delivery is
// idempotent: only the first delivery of an id is stored and matched;
// later ones return inserted=false and have no effect. A subscription that
// is already expired on arrival is stored as expired and never matched.
func (r *Registry) IngestRemote(ctx context.Context, sub market.Subscription) (inserted bool, err error) {
	if !sub.Kind.Valid() {
		return false, market.NewParseError("subscription kind", fmt.Errorf("unknown kind %q", sub.Kind))
	}
	if sub.Properties == nil {
		sub.Properties = props.Set{}
	}
	if sub.Constraints == nil {
		sub.Constraints = constraint.Always()
	}
	sub.Local = false

	want, err := market.SubscriptionIDFor(&sub)
	if err != nil {
		return false, err
	}
	if want != sub.ID {
		return false, market.NewParseError("subscription id",
			fmt.Errorf("content hashes to %s, carried id is %s", want, sub.ID))
	}

	status := market.SubscriptionActive
	if sub.Expired(r.clock.Now()) {
		status = market.SubscriptionExpired
	}

	err = r.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		inserted, err = tx.InsertSubscription(ctx, sub, status)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ingest remote: %w", err)
	}
	if !inserted {
		r.logger.Debug("duplicate remote subscription ignored", "id", sub.ID)
		return false, nil
	}

	r.metrics.SubscriptionIngested(sub.Kind)
	r.logger.Info("remote subscription ingested",
		"id", sub.ID,
		"kind", sub.Kind,
		"issuer", sub.Issuer,
		"status", status,
	)
	if status != market.SubscriptionActive {
		return true, nil
	}

	r.remote.Add(sub.ID, sub)
	if err := r.flushEvicted(ctx); err != nil {
		return true, err
	}
	if err := r.match(ctx, sub); err != nil {
		return true, err
	}
	return true, nil
}

// Unsubscribe deactivates a subscription. Chains already in progress stay
// valid; the subscription is no longer a matching candidate. Unsubscribing
// an inactive subscription is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, id market.SubscriptionID) error {
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := tx.Subscription(ctx, id); err != nil {
			return err
		}
		_, err := tx.SetSubscriptionStatus(ctx, id, market.SubscriptionUnsubscribed, market.SubscriptionActive)
		return err
	})
	if err != nil {
		return err
	}

	r.drop(id)
	r.logger.Info("subscription unsubscribed", "id", id)
	return nil
}

// ExpireSweep expires every active subscription whose ExpiresAt is before
// now, together with the open chains rooted at it. Returns the number of
// subscriptions expired.
func (r *Registry) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	r.mu.RLock()
	expirer := r.expirer
	r.mu.RUnlock()

	var expired []market.SubscriptionID
	var chains int
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		due, err := tx.DueSubscriptions(ctx, now)
		if err != nil {
			return err
		}
		for _, rec := range due {
			ok, err := tx.SetSubscriptionStatus(ctx, rec.ID, market.SubscriptionExpired, market.SubscriptionActive)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			expired = append(expired, rec.ID)

			if expirer == nil {
				continue
			}
			n, err := expirer.ExpireChainsTx(ctx, tx, rec.ID, now)
			if err != nil {
				return fmt.Errorf("expire chains of %s: %w", rec.ID, err)
			}
			chains += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expire sweep: %w", err)
	}

	for _, id := range expired {
		r.drop(id)
	}
	r.metrics.Expired("subscription", len(expired))
	r.metrics.Expired("chain", chains)
	if len(expired) > 0 {
		r.logger.Info("subscriptions expired", "count", len(expired), "chains", chains)
	}
	return len(expired), nil
}

// Get returns a stored subscription with its status.
func (r *Registry) Get(ctx context.Context, id market.SubscriptionID) (store.SubscriptionRecord, error) {
	return r.store.ReadSubscription(ctx, id)
}

// ListLocal returns every locally published subscription, active or not.
func (r *Registry) ListLocal(ctx context.Context) ([]store.SubscriptionRecord, error) {
	local := true
	return r.store.ListSubscriptions(ctx, store.SubscriptionFilter{Local: &local})
}

// Candidates returns the active, unexpired subscriptions of the given kind,
// ordered by creation time then id.
func (r *Registry) Candidates(kind market.Kind) []market.Subscription {
	now := r.clock.Now()

	var out []market.Subscription
	r.mu.RLock()
	for _, sub := range r.local {
		if sub.Kind == kind && !sub.Expired(now) {
			out = append(out, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range r.remote.Values() {
		if sub.Kind == kind && !sub.Expired(now) {
			out = append(out, sub)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of indexed local and remote subscriptions.
func (r *Registry) Len() (local, remote int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.local), r.remote.Len()
}

func (r *Registry) match(ctx context.Context, sub market.Subscription) error {
	r.mu.RLock()
	m := r.matcher
	r.mu.RUnlock()

	if m == nil {
		return nil
	}
	if err := m.MatchNew(ctx, sub); err != nil {
		return fmt.Errorf("match %s: %w", sub.ID, err)
	}
	return nil
}

// drop removes a subscription from the index without touching the store.
func (r *Registry) drop(id market.SubscriptionID) {
	r.mu.Lock()
	delete(r.local, id)
	r.mu.Unlock()

	// Remove fires onEvict, which must not turn a deliberate removal into
	// an eviction.
	if r.remote.Remove(id) {
		r.mu.Lock()
		kept := r.evicted[:0]
		for _, e := range r.evicted {
			if e != id {
				kept = append(kept, e)
			}
		}
		r.evicted = kept
		r.mu.Unlock()
	}
}

// onEvict is called by the LRU with its lock held; it only records the id.
func (r *Registry) onEvict(id market.SubscriptionID, _ market.Subscription) {
	r.mu.Lock()
	r.evicted = append(r.evicted, id)
	r.mu.Unlock()
}

// flushEvicted marks subscriptions pushed out of the cache as evicted.
func (r *Registry) flushEvicted(ctx context.Context) error {
	r.mu.Lock()
	ids := r.evicted
	r.evicted = nil
	r.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	var n int
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		for _, id := range ids {
			ok, err := tx.SetSubscriptionStatus(ctx, id, market.SubscriptionEvicted, market.SubscriptionActive)
			if err != nil {
				return err
			}
			if ok {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark evicted: %w", err)
	}

	for i := 0; i < n; i++ {
		r.metrics.RemoteEvicted()
	}
	r.logger.Debug("remote subscriptions evicted", "count", n)
	return nil
}
