package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/store"
	"github.com/roach88/agora/internal/testutil"
)

type recordingMatcher struct {
	mu   sync.Mutex
	seen []market.SubscriptionID
}

func (m *recordingMatcher) MatchNew(_ context.Context, sub market.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, sub.ID)
	return nil
}

func (m *recordingMatcher) calls() []market.SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]market.SubscriptionID(nil), m.seen...)
}

type recordingExpirer struct {
	subs []market.SubscriptionID
}

func (e *recordingExpirer) ExpireChainsTx(_ context.Context, _ *store.Tx, sub market.SubscriptionID, _ time.Time) (int, error) {
	e.subs = append(e.subs, sub)
	return 1, nil
}

type fixture struct {
	reg     *Registry
	store   *store.Store
	clock   *clock.Mock
	matcher *recordingMatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutil.OpenStore(t),
		clock:   testutil.NewClock(),
		matcher: &recordingMatcher{},
	}
	opts = append([]Option{WithClock(f.clock)}, opts...)
	reg, err := New(f.store, "node-a", opts...)
	require.NoError(t, err)
	reg.SetMatcher(f.matcher)
	f.reg = reg
	return f
}

func TestPublish_StoresIndexesAndMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.reg.Publish(ctx, Spec{
		Kind:        market.KindOffer,
		Properties:  testutil.Props("cpu", 4, "price", 1.0),
		Constraints: "(price<=2.0)",
	})
	require.NoError(t, err)

	rec, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, market.SubscriptionActive, rec.Status)
	assert.Equal(t, market.NodeID("node-a"), rec.Issuer)
	assert.True(t, rec.Local)
	assert.True(t, rec.CreatedAt.Equal(testutil.Epoch))
	assert.Equal(t, "(price<=2.0)", rec.Constraints.String())

	assert.Equal(t, []market.SubscriptionID{id}, f.matcher.calls())
	require.Len(t, f.reg.Candidates(market.KindOffer), 1)
	assert.Empty(t, f.reg.Candidates(market.KindDemand))
}

func TestPublish_ParseErrorStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Publish(ctx, Spec{
		Kind:        market.KindDemand,
		Constraints: "(cpu>=",
	})
	require.Error(t, err)
	assert.True(t, market.IsCode(err, market.CodeParse))

	local, err := f.reg.ListLocal(ctx)
	require.NoError(t, err)
	assert.Empty(t, local)
	assert.Empty(t, f.matcher.calls())
}

func TestPublish_UnknownKind(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.Publish(context.Background(), Spec{Kind: "bid"})
	assert.ErrorIs(t, err, market.ErrParse)
}

func TestIngestRemote_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := testutil.RemoteSubscription(market.KindOffer, "node-x", testutil.Props("cpu", 8), "", testutil.Epoch)

	first, err := f.reg.IngestRemote(ctx, sub)
	require.NoError(t, err)
	second, err := f.reg.IngestRemote(ctx, sub)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, []market.SubscriptionID{sub.ID}, f.matcher.calls(), "duplicate delivery must not trigger a second matching pass")

	rec, err := f.reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, rec.Local)
}

func TestIngestRemote_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := testutil.RemoteSubscription(market.KindDemand, "node-x", testutil.Props("price", 1.5), "(cpu>=2)", testutil.Epoch)

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.reg.IngestRemote(ctx, sub)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Len(t, f.matcher.calls(), 1)
}

func TestIngestRemote_TamperedID(t *testing.T) {
	f := newFixture(t)
	sub := testutil.RemoteSubscription(market.KindOffer, "node-x", testutil.Props("cpu", 8), "", testutil.Epoch)
	sub.Properties = testutil.Props("cpu", 64)

	_, err := f.reg.IngestRemote(context.Background(), sub)
	assert.ErrorIs(t, err, market.ErrParse)
	assert.Empty(t, f.matcher.calls())
}

func TestIngestRemote_AlreadyExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := testutil.RemoteSubscription(market.KindOffer, "node-x", testutil.Props("cpu", 8), "", testutil.Epoch.Add(-time.Hour))
	sub.ExpiresAt = testutil.Epoch.Add(-time.Minute)
	id, err := market.SubscriptionIDFor(&sub)
	require.NoError(t, err)
	sub.ID = id

	inserted, err := f.reg.IngestRemote(ctx, sub)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Empty(t, f.matcher.calls())

	rec, err := f.reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, market.SubscriptionExpired, rec.Status)
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.reg.Publish(ctx, Spec{Kind: market.KindDemand, Properties: testutil.Props("price", 1.5)})
	require.NoError(t, err)

	require.NoError(t, f.reg.Unsubscribe(ctx, id))
	require.NoError(t, f.reg.Unsubscribe(ctx, id), "second unsubscribe is a no-op")

	rec, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, market.SubscriptionUnsubscribed, rec.Status)
	assert.Empty(t, f.reg.Candidates(market.KindDemand))

	err = f.reg.Unsubscribe(ctx, "missing")
	assert.ErrorIs(t, err, market.ErrNotFound)
}

func TestExpireSweep_CascadesInTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expirer := &recordingExpirer{}
	f.reg.SetChainExpirer(expirer)

	short, err := f.reg.Publish(ctx, Spec{
		Kind:      market.KindOffer,
		ExpiresAt: testutil.Epoch.Add(time.Minute),
	})
	require.NoError(t, err)
	long, err := f.reg.Publish(ctx, Spec{
		Kind:       market.KindOffer,
		Properties: testutil.Props("cpu", 2),
		ExpiresAt:  testutil.Epoch.Add(time.Hour),
	})
	require.NoError(t, err)

	// Exactly at ExpiresAt nothing expires.
	n, err := f.reg.ExpireSweep(ctx, testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.reg.ExpireSweep(ctx, testutil.Epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []market.SubscriptionID{short}, expirer.subs)

	rec, err := f.reg.Get(ctx, short)
	require.NoError(t, err)
	assert.Equal(t, market.SubscriptionExpired, rec.Status)

	candidates := f.reg.Candidates(market.KindOffer)
	require.Len(t, candidates, 1)
	assert.Equal(t, long, candidates[0].ID)
}

func TestCandidates_SkipsExpiredBeforeSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Publish(ctx, Spec{Kind: market.KindOffer, ExpiresAt: testutil.Epoch.Add(time.Minute)})
	require.NoError(t, err)

	f.clock.Add(2 * time.Minute)
	assert.Empty(t, f.reg.Candidates(market.KindOffer))
}

func TestRemoteCache_EvictionMarksRow(t *testing.T) {
	f := newFixture(t, WithRemoteCacheSize(2))
	ctx := context.Background()

	var subs []market.Subscription
	for i := 0; i < 3; i++ {
		sub := testutil.RemoteSubscription(market.KindOffer, "node-x", testutil.Props("cpu", i+1), "", testutil.Epoch)
		subs = append(subs, sub)
		_, err := f.reg.IngestRemote(ctx, sub)
		require.NoError(t, err)
	}

	_, remote := f.reg.Len()
	assert.Equal(t, 2, remote)

	rec, err := f.reg.Get(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, market.SubscriptionEvicted, rec.Status)

	// Replay of the evicted broadcast is still a duplicate.
	again, err := f.reg.IngestRemote(ctx, subs[0])
	require.NoError(t, err)
	assert.False(t, again)
}

func TestLoad_RebuildsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	local, err := f.reg.Publish(ctx, Spec{Kind: market.KindDemand})
	require.NoError(t, err)
	remote := testutil.RemoteSubscription(market.KindOffer, "node-x", testutil.Props("cpu", 8), "", testutil.Epoch)
	_, err = f.reg.IngestRemote(ctx, remote)
	require.NoError(t, err)

	reloaded, err := New(f.store, "node-a", WithClock(f.clock))
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))

	nLocal, nRemote := reloaded.Len()
	assert.Equal(t, 1, nLocal)
	assert.Equal(t, 1, nRemote)
	assert.Equal(t, local, reloaded.Candidates(market.KindDemand)[0].ID)
	assert.Equal(t, remote.ID, reloaded.Candidates(market.KindOffer)[0].ID)
}
