package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agora/internal/market"
)

func appendEvents(t *testing.T, s *Store, subscriber string, n int) []market.Event {
	t.Helper()
	ctx := context.Background()
	var out []market.Event
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		for i := 0; i < n; i++ {
			ev, err := tx.AppendEvent(ctx, market.NewEvent(subscriber, market.EventProposalReceived, market.EventDetail{}, t0))
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	}))
	return out
}

func TestAppendEvent_SeqPerSubscriber(t *testing.T) {
	s := createTestStore(t)

	a := appendEvents(t, s, "sub-a", 3)
	b := appendEvents(t, s, "sub-b", 1)
	a2 := appendEvents(t, s, "sub-a", 1)

	assert.Equal(t, int64(1), a[0].Seq)
	assert.Equal(t, int64(3), a[2].Seq)
	assert.Equal(t, int64(1), b[0].Seq)
	assert.Equal(t, int64(4), a2[0].Seq)
}

func TestAppendEvent_ConcurrentWritersStayMonotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				err := s.Update(ctx, func(tx *Tx) error {
					_, err := tx.AppendEvent(ctx, market.NewEvent("sub-a", market.EventProposalReceived, market.EventDetail{}, t0))
					return err
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := s.ReadEvents(ctx, "sub-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 40)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestUpdate_HooksFireAfterCommitOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var got []market.Event
	s.OnAppend(func(events []market.Event) {
		got = append(got, events...)
	})

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.AppendEvent(ctx, market.NewEvent("sub-a", market.EventProposalReceived, market.EventDetail{}, t0)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, got, "rolled back events must not be delivered")

	events, err := s.ReadEvents(ctx, "sub-a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	appendEvents(t, s, "sub-a", 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq, "rolled back seq is reused")
}

func TestReadEvents_AfterAndLimit(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, "sub-a", 5)

	events, err := s.ReadEvents(ctx, "sub-a", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
	assert.Equal(t, market.EventProposalReceived, events[0].Type)
	assert.True(t, t0.Equal(events[0].CreatedAt))
}

func TestAckEvents_GCKeepsNumbering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, "sub-a", 3)

	removed, err := s.AckEvents(ctx, "sub-a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	events, err := s.ReadEvents(ctx, "sub-a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	next := appendEvents(t, s, "sub-a", 1)
	assert.Equal(t, int64(4), next[0].Seq)

	last, err := s.LastSeq(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	acked, err := s.AckedSeq(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acked)
}

func TestAckEvents_NeverMovesBackwards(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	appendEvents(t, s, "sub-a", 5)

	_, err := s.AckEvents(ctx, "sub-a", 4)
	require.NoError(t, err)
	_, err = s.AckEvents(ctx, "sub-a", 2)
	require.NoError(t, err)

	acked, err := s.AckedSeq(ctx, "sub-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), acked)

	events, err := s.ReadEvents(ctx, "sub-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(5), events[0].Seq)
}
