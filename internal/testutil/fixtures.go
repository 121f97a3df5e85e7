package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agora/internal/constraint"
	"github.com/roach88/agora/internal/market"
	"github.com/roach88/agora/internal/props"
	"github.com/roach88/agora/internal/store"
)

// OpenStore opens a fresh SQLite store in a temp dir, closed on cleanup.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agora.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Props builds a property set from alternating path/value arguments.
// Values may be anything props.FromAny accepts.
//
//	testutil.Props("cpu", 4, "price", 1.0)
func Props(kv ...any) props.Set {
	if len(kv)%2 != 0 {
		panic("testutil.Props: odd number of arguments")
	}
	s := props.Set{}
	for i := 0; i < len(kv); i += 2 {
		val, err := props.FromAny(kv[i+1])
		if err != nil {
			panic(err)
		}
		s[kv[i].(string)] = val
	}
	return s
}

// RemoteSubscription builds a subscription as a peer would broadcast it,
// with its content-derived id filled in.
func RemoteSubscription(kind market.Kind, issuer market.NodeID, properties props.Set, constraints string, createdAt time.Time) market.Subscription {
	sub := market.Subscription{
		Kind:        kind,
		Issuer:      issuer,
		Properties:  properties,
		Constraints: constraint.MustParse(constraints),
		CreatedAt:   createdAt,
	}
	id, err := market.SubscriptionIDFor(&sub)
	if err != nil {
		panic(err)
	}
	sub.ID = id
	return sub
}
