package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/matcher"
	"github.com/roach88/agora/internal/registry"
	"github.com/roach88/agora/internal/store"
	"github.com/roach88/agora/internal/testutil"
)

type sentMessage struct {
	peer market.NodeID
	msg  market.Message
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingTransport) Broadcast(context.Context, market.Subscription) error { return nil }

func (r *recordingTransport) SendTo(_ context.Context, peer market.NodeID, msg market.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{peer: peer, msg: msg})
	return nil
}

func (r *recordingTransport) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

type fixture struct {
	store     *store.Store
	clock     *clock.Mock
	reg       *registry.Registry
	neg       *Negotiator
	transport *recordingTransport
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     testutil.OpenStore(t),
		clock:     testutil.NewClock(),
		transport: &recordingTransport{},
	}

	reg, err := registry.New(f.store, "node-a", registry.WithClock(f.clock))
	require.NoError(t, err)
	reg.SetMatcher(matcher.New(f.store, reg, matcher.WithClock(f.clock)))

	opts = append([]Option{
		WithClock(f.clock),
		WithIDGenerator(market.NewSequenceGenerator("p")),
		WithTransport(f.transport),
	}, opts...)
	f.neg = New(f.store, opts...)
	reg.SetChainExpirer(f.neg)
	f.reg = reg
	return f
}

func (f *fixture) publish(t *testing.T, kind market.Kind, kv []any, constraints string, expiresAt time.Time) market.SubscriptionID {
	t.Helper()
	id, err := f.reg.Publish(context.Background(), registry.Spec{
		Kind:        kind,
		Properties:  testutil.Props(kv...),
		Constraints: constraints,
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)
	return id
}

// strongChain publishes the reference offer and demand on node-a. The offer
// comes first, so the root is issued by the provider.
func (f *fixture) strongChain(t *testing.T) (offer, demand market.SubscriptionID, chain market.Chain) {
	t.Helper()
	offer = f.publish(t, market.KindOffer, []any{"cpu", 4, "price", 1.0}, "(price<=2.0)", time.Time{})
	demand = f.publish(t, market.KindDemand, []any{"price", 1.5}, "(cpu>=2)", time.Time{})
	chain, err := f.store.ReadChainByPair(context.Background(), offer, demand)
	require.NoError(t, err)
	return offer, demand, chain
}

func (f *fixture) events(t *testing.T, subscriber string) []market.Event {
	t.Helper()
	events, err := f.store.ReadEvents(context.Background(), subscriber, 0, 0)
	require.NoError(t, err)
	return events
}

func TestCounter_AppendsAndNotifiesOtherSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offer, _, chain := f.strongChain(t)
	root := chain.TipID

	f.clock.Add(time.Second)
	id, err := f.neg.Counter(ctx, root, testutil.Props("price", 1.2), "(cpu>=2)", market.RoleRequestor)
	require.NoError(t, err)
	assert.Equal(t, market.ProposalID("p-1"), id)

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got.TipID)
	assert.Equal(t, market.ChainCountered, got.State)
	assert.Equal(t, chain.Version+1, got.Version)

	prev, err := f.neg.Proposal(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, market.ProposalCountered, prev.State)

	p, err := f.neg.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, root, p.PrevID)
	assert.Equal(t, market.RoleRequestor, p.Issuer)
	assert.Equal(t, market.ProposalDraft, p.State)
	assert.Equal(t, constraint.Strong, p.MatchKind)
	assert.Equal(t, testutil.Epoch.Add(time.Second), p.CreatedAt)

	events := f.events(t, string(offer))
	require.Len(t, events, 1)
	assert.Equal(t, market.EventProposalReceived, events[0].Type)
	assert.Equal(t, id, events[0].ProposalID)
	detail, err := events[0].Detail()
	require.NoError(t, err)
	assert.Equal(t, market.RoleRequestor, detail.Issuer)

	assert.Empty(t, f.transport.messages(), "both sides are local")
}

func TestCounter_StaleTip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	_, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.2), "", market.RoleRequestor)
	require.NoError(t, err)

	_, err = f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.1), "", market.RoleRequestor)
	assert.ErrorIs(t, err, market.ErrStaleProposal)
}

func TestCounter_OwnProposalIsInvalidState(t *testing.T) {
	f := newFixture(t)
	_, _, chain := f.strongChain(t)

	_, err := f.neg.Counter(context.Background(), chain.TipID, testutil.Props("price", 0.9), "", market.RoleProvider)
	assert.ErrorIs(t, err, market.ErrInvalidState)
}

func TestCounter_ParseError(t *testing.T) {
	f := newFixture(t)
	_, _, chain := f.strongChain(t)

	_, err := f.neg.Counter(context.Background(), chain.TipID, nil, "(cpu>=", market.RoleRequestor)
	assert.ErrorIs(t, err, market.ErrParse)

	got, err := f.neg.Chain(context.Background(), chain.ID)
	require.NoError(t, err)
	assert.Equal(t, chain.TipID, got.TipID, "a failed counter must not move the tip")
}

func TestCounter_RecomputesMatchKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	id, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.5), "(cpu>=8)", market.RoleRequestor)
	require.NoError(t, err)

	p, err := f.neg.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, constraint.WeakProviderToRequestor, p.MatchKind)
}

func TestCounter_ConcurrentRepliesToSameTip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	const n = 2
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.0+float64(i)/10), "", market.RoleRequestor)
		}(i)
	}
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case market.IsCode(err, market.CodeStaleProposal):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)

	history, err := f.neg.History(ctx, chain.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "the chain stays linear")
}

func TestReject_ClosesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offer, _, chain := f.strongChain(t)

	require.NoError(t, f.neg.Reject(ctx, chain.TipID, market.RoleRequestor, "too expensive"))

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ChainRejected, got.State)

	tip, err := f.neg.Proposal(ctx, chain.TipID)
	require.NoError(t, err)
	assert.Equal(t, market.ProposalRejected, tip.State)

	events := f.events(t, string(offer))
	require.Len(t, events, 1)
	assert.Equal(t, market.EventProposalRejected, events[0].Type)
	detail, err := events[0].Detail()
	require.NoError(t, err)
	assert.Equal(t, "too expensive", detail.Reason)

	_, err = f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.0), "", market.RoleRequestor)
	assert.ErrorIs(t, err, market.ErrInvalidState)

	err = f.neg.Reject(ctx, chain.TipID, market.RoleRequestor, "again")
	assert.ErrorIs(t, err, market.ErrInvalidState)
}

func TestPromote_CreatesAgreement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	id, err := f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{ProposedSignature: []byte("sig-r")})
	require.NoError(t, err)

	a, err := f.store.ReadAgreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, market.AgreementProposal, a.State)
	assert.Equal(t, chain.TipID, a.ProposalID)
	assert.Equal(t, market.NodeID("node-a"), a.ProviderID)
	assert.Equal(t, market.NodeID("node-a"), a.RequestorID)
	assert.Equal(t, testutil.Props("cpu", 4, "price", 1.0), a.OfferSnapshot)
	assert.Equal(t, testutil.Props("price", 1.5), a.DemandSnapshot)
	assert.Equal(t, testutil.Epoch.Add(DefaultAgreementTTL), a.ValidTo)
	assert.Equal(t, []byte("sig-r"), a.ProposedSignature)

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ChainPromoted, got.State)

	tip, err := f.neg.Proposal(ctx, chain.TipID)
	require.NoError(t, err)
	assert.Equal(t, market.ProposalAccepted, tip.State)

	events := f.events(t, "node-a")
	require.Len(t, events, 1, "one node plays both parties")
	assert.Equal(t, market.EventAgreementProposed, events[0].Type)
	assert.Equal(t, id, events[0].AgreementID)

	_, err = f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{})
	assert.ErrorIs(t, err, market.ErrInvalidState, "one agreement per chain")
}

func TestPromote_SnapshotsLatestTerms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	p1, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.8), "(cpu>=2)", market.RoleRequestor)
	require.NoError(t, err)
	p2, err := f.neg.Counter(ctx, p1, testutil.Props("cpu", 4, "price", 1.6), "(price<=2.0)", market.RoleProvider)
	require.NoError(t, err)

	id, err := f.neg.Promote(ctx, p2, market.RoleRequestor, PromoteParams{})
	require.NoError(t, err)

	a, err := f.store.ReadAgreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testutil.Props("cpu", 4, "price", 1.6), a.OfferSnapshot)
	assert.Equal(t, testutil.Props("price", 1.8), a.DemandSnapshot)
}

func TestPromote_ErrorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	weak, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.5), "(cpu>=8)", market.RoleRequestor)
	require.NoError(t, err)

	_, err = f.neg.Promote(ctx, weak, market.RoleProvider, PromoteParams{})
	assert.ErrorIs(t, err, market.ErrNotRequestor)

	_, err = f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{})
	assert.ErrorIs(t, err, market.ErrStaleProposal)

	_, err = f.neg.Promote(ctx, weak, market.RoleRequestor, PromoteParams{})
	assert.ErrorIs(t, err, market.ErrWeakMatch)

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ChainCountered, got.State, "failed promotes leave the chain open")
}

func TestPromote_ValidToClampedToOfferExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiry := testutil.Epoch.Add(10 * time.Minute)
	offer := f.publish(t, market.KindOffer, []any{"cpu", 4, "price", 1.0}, "(price<=2.0)", expiry)
	demand := f.publish(t, market.KindDemand, []any{"price", 1.5}, "(cpu>=2)", time.Time{})
	chain, err := f.store.ReadChainByPair(ctx, offer, demand)
	require.NoError(t, err)

	id, err := f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{
		ValidTo: testutil.Epoch.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	a, err := f.store.ReadAgreement(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, expiry, a.ValidTo)
}

func TestPromote_RequireSignatures(t *testing.T) {
	f := newFixture(t, WithRequireSignatures(true))
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	_, err := f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{})
	assert.ErrorIs(t, err, market.ErrInvalidState)

	_, err = f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{ProposedSignature: []byte("sig")})
	assert.NoError(t, err)
}

func TestExpireChains_ViaRegistrySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offer := f.publish(t, market.KindOffer, []any{"cpu", 4, "price", 1.0}, "(price<=2.0)", testutil.Epoch.Add(time.Minute))
	demand := f.publish(t, market.KindDemand, []any{"price", 1.5}, "(cpu>=2)", time.Time{})
	chain, err := f.store.ReadChainByPair(ctx, offer, demand)
	require.NoError(t, err)

	f.clock.Add(2 * time.Minute)
	n, err := f.reg.ExpireSweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ChainExpired, got.State)

	tip, err := f.neg.Proposal(ctx, chain.TipID)
	require.NoError(t, err)
	assert.Equal(t, market.ProposalExpired, tip.State)

	for _, sub := range []market.SubscriptionID{offer, demand} {
		events := f.events(t, string(sub))
		require.NotEmpty(t, events)
		assert.Equal(t, market.EventProposalExpired, events[len(events)-1].Type)
	}

	_, err = f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.0), "", market.RoleRequestor)
	assert.ErrorIs(t, err, market.ErrInvalidState)
}

func TestExpireChains_Direct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	offer, _, chain := f.strongChain(t)

	require.NoError(t, f.neg.Reject(ctx, chain.TipID, market.RoleRequestor, ""))

	n, err := f.neg.ExpireChains(ctx, offer)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "closed chains are left alone")
}

func TestHistory_RootToTip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, chain := f.strongChain(t)

	p1, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.2), "", market.RoleRequestor)
	require.NoError(t, err)
	p2, err := f.neg.Counter(ctx, p1, testutil.Props("price", 1.4), "", market.RoleProvider)
	require.NoError(t, err)

	history, err := f.neg.History(ctx, chain.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, chain.TipID, history[0].ID)
	assert.Equal(t, p1, history[1].ID)
	assert.Equal(t, p2, history[2].ID)
}

// remoteOfferChain ingests an offer from node-b, then publishes a matching
// demand on node-a.
func (f *fixture) remoteOfferChain(t *testing.T) (market.SubscriptionID, market.Chain) {
	t.Helper()
	ctx := context.Background()
	remote := testutil.RemoteSubscription(market.KindOffer, "node-b",
		testutil.Props("cpu", 4, "price", 1.0), "(price<=2.0)", testutil.Epoch)
	_, err := f.reg.IngestRemote(ctx, remote)
	require.NoError(t, err)

	demand := f.publish(t, market.KindDemand, []any{"price", 1.5}, "(cpu>=2)", time.Time{})
	chain, err := f.store.ReadChainByPair(ctx, remote.ID, demand)
	require.NoError(t, err)
	return demand, chain
}

func TestCounter_RemoteCounterpartyIsMessaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, chain := f.remoteOfferChain(t)

	id, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.2), "(cpu>=2)", market.RoleRequestor)
	require.NoError(t, err)

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, market.NodeID("node-b"), sent[0].peer)
	assert.Equal(t, market.MsgCounter, sent[0].msg.Type)
	assert.Equal(t, market.NodeID("node-a"), sent[0].msg.From)
	assert.Equal(t, id, sent[0].msg.ProposalID)
	assert.Equal(t, chain.TipID, sent[0].msg.PrevID)
	assert.Equal(t, "(cpu>=2)", sent[0].msg.Constraints)
}

func TestHandleCounter_AppliesOnceFromCounterparty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	demand, chain := f.remoteOfferChain(t)

	mine, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.2), "(cpu>=2)", market.RoleRequestor)
	require.NoError(t, err)

	msg := market.Message{
		Type:        market.MsgCounter,
		From:        "node-b",
		ChainID:     chain.ID,
		PrevID:      mine,
		ProposalID:  "remote-1",
		Issuer:      market.RoleProvider,
		Properties:  testutil.Props("cpu", 4, "price", 1.1),
		Constraints: "(price<=2.0)",
		SentAt:      testutil.Epoch.Add(time.Second),
	}
	require.NoError(t, f.neg.HandleCounter(ctx, msg))
	require.NoError(t, f.neg.HandleCounter(ctx, msg), "replay is a no-op")

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ProposalID("remote-1"), got.TipID)

	p, err := f.neg.Proposal(ctx, "remote-1")
	require.NoError(t, err)
	assert.Equal(t, market.NodeID("node-b"), p.IssuerNode)
	assert.Equal(t, constraint.Strong, p.MatchKind)

	events := f.events(t, string(demand))
	require.Len(t, events, 2, "root proposal plus one counter")
	assert.Equal(t, market.ProposalID("remote-1"), events[1].ProposalID)

	assert.Len(t, f.transport.messages(), 1, "inbound counters are not echoed")
}

func TestHandleCounter_WrongSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, chain := f.remoteOfferChain(t)

	mine, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.2), "", market.RoleRequestor)
	require.NoError(t, err)

	err = f.neg.HandleCounter(ctx, market.Message{
		Type:       market.MsgCounter,
		From:       "node-x",
		ChainID:    chain.ID,
		PrevID:     mine,
		ProposalID: "remote-1",
		Issuer:     market.RoleProvider,
	})
	assert.ErrorIs(t, err, market.ErrInvalidState)
}

func TestHandleReject_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	demand, chain := f.remoteOfferChain(t)

	mine, err := f.neg.Counter(ctx, chain.TipID, testutil.Props("price", 1.2), "", market.RoleRequestor)
	require.NoError(t, err)

	msg := market.Message{
		Type:    market.MsgReject,
		From:    "node-b",
		ChainID: chain.ID,
		PrevID:  mine,
		Issuer:  market.RoleProvider,
		Reason:  "no capacity",
	}
	require.NoError(t, f.neg.HandleReject(ctx, msg))
	require.NoError(t, f.neg.HandleReject(ctx, msg))

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ChainRejected, got.State)

	events := f.events(t, string(demand))
	require.Len(t, events, 2)
	assert.Equal(t, market.EventProposalRejected, events[1].Type)
}

func TestPromote_RemoteProviderIsMessaged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, chain := f.remoteOfferChain(t)

	id, err := f.neg.Promote(ctx, chain.TipID, market.RoleRequestor, PromoteParams{ProposedSignature: []byte("sig-r")})
	require.NoError(t, err)

	sent := f.transport.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, market.NodeID("node-b"), sent[0].peer)
	assert.Equal(t, market.MsgAgreementProposed, sent[0].msg.Type)
	require.NotNil(t, sent[0].msg.Agreement)
	assert.Equal(t, id, sent[0].msg.Agreement.ID)

	events := f.events(t, "node-a")
	require.Len(t, events, 1)
	assert.Empty(t, f.events(t, "node-b"), "remote parties get messages, not feed events")
}

func TestHandleAgreementProposed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	offer := f.publish(t, market.KindOffer, []any{"cpu", 4, "price", 1.0}, "(price<=2.0)", time.Time{})
	remote := testutil.RemoteSubscription(market.KindDemand, "node-b",
		testutil.Props("price", 1.5), "(cpu>=2)", testutil.Epoch)
	_, err := f.reg.IngestRemote(ctx, remote)
	require.NoError(t, err)
	chain, err := f.store.ReadChainByPair(ctx, offer, remote.ID)
	require.NoError(t, err)

	msg := market.Message{
		Type: market.MsgAgreementProposed,
		From: "node-b",
		Agreement: &market.Agreement{
			ID:                "agr-1",
			ProposalID:        chain.TipID,
			OfferSnapshot:     testutil.Props("cpu", 4, "price", 1.0),
			DemandSnapshot:    testutil.Props("price", 1.5),
			ValidTo:           testutil.Epoch.Add(time.Hour),
			CreatedAt:         testutil.Epoch,
			ProposedSignature: []byte("sig-r"),
		},
	}
	require.NoError(t, f.neg.HandleAgreementProposed(ctx, msg))
	require.NoError(t, f.neg.HandleAgreementProposed(ctx, msg), "replay is a no-op")

	a, err := f.store.ReadAgreement(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, market.AgreementProposal, a.State)
	assert.Equal(t, market.NodeID("node-a"), a.ProviderID)
	assert.Equal(t, market.NodeID("node-b"), a.RequestorID)

	got, err := f.neg.Chain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Equal(t, market.ChainPromoted, got.State)

	events := f.events(t, "node-a")
	require.Len(t, events, 1)
	assert.Equal(t, market.EventAgreementProposed, events[0].Type)

	msg.From = "node-a"
	msg.Agreement.ID = "agr-2"
	err = f.neg.HandleAgreementProposed(ctx, msg)
	assert.Error(t, err)
}
