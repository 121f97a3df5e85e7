// Package metrics exports Prometheus collectors for the marketplace.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
)

const namespace = "agora"

var sweepBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Metrics groups all market collectors on one registry.
type Metrics struct {
	registry *prometheus.Registry

	published     *prometheus.CounterVec
	ingested      *prometheus.CounterVec
	evicted       prometheus.Counter
	matches       *prometheus.CounterVec
	proposals     *prometheus.CounterVec
	agreements    *prometheus.CounterVec
	events        *prometheus.CounterVec
	expired       *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_published_total",
			Help:      "Local subscriptions published, by kind.",
		}, []string{"kind"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_ingested_total",
			Help:      "Remote subscriptions ingested for the first time, by kind.",
		}, []string{"kind"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_cache_evictions_total",
			Help:      "Remote subscriptions evicted from the matching cache.",
		}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Negotiation chains opened by the matcher, by match kind.",
		}, []string{"match_kind"}),
		proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_operations_total",
			Help:      "Negotiation operations applied, by operation and outcome.",
		}, []string{"op", "outcome"}),
		agreements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agreement_transitions_total",
			Help:      "Agreement state transitions, by target state.",
		}, []string{"state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to subscriber feeds, by type.",
		}, []string{"type"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Records expired by the sweeper, by record kind.",
		}, []string{"record"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   sweepBuckets,
		}),
	}

	m.registry.MustRegister(
		m.published,
		m.ingested,
		m.evicted,
		m.matches,
		m.proposals,
		m.agreements,
		m.events,
		m.expired,
		m.sweepDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SubscriptionPublished counts a local subscription stored by Publish.
func (m *Metrics) SubscriptionPublished(kind market.Kind) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(kind)).Inc()
}

// SubscriptionIngested counts a remote subscription stored on first
// delivery. Duplicate deliveries are not counted.
func (m *Metrics) SubscriptionIngested(kind market.Kind) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(string(kind)).Inc()
}

// RemoteEvicted counts a remote subscription dropped from the bounded
// candidate cache.
func (m *Metrics) RemoteEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

// Matched counts a chain root opened by the matcher, labelled by match kind.
func (m *Metrics) Matched(kind constraint.Kind) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(kind.String()).Inc()
}

// ProposalOp records a negotiation operation such as "counter" or
// "promote". A nil err counts as "ok", otherwise the market error code is the
// outcome, or "error" for errors without one.
func (m *Metrics) ProposalOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(market.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.proposals.WithLabelValues(op, outcome).Inc()
}

// AgreementTransition counts an agreement entering state, whether the
// transition was made locally or applied from a peer.
func (m *Metrics) AgreementTransition(state market.AgreementState) {
	if m == nil {
		return
	}
	m.agreements.WithLabelValues(string(state)).Inc()
}

// EventsAppended counts a batch of committed events by type. Its signature
// matches store.AppendHook.
func (m *Metrics) EventsAppended(events []market.Event) {
	if m == nil {
		return
	}
	for _, ev := range events {
		m.events.WithLabelValues(string(ev.Type)).Inc()
	}
}

// Expired adds n to the expiry counter for record, which is
// "subscription", "chain" or "agreement". A zero n records nothing.
func (m *Metrics) Expired(record string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.expired.WithLabelValues(record).Add(float64(n))
}

// ObserveSweep records how long one expiry sweep took.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
