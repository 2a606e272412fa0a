//go:build integration

package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fortiescrow/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_LedgerRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := NewPostgresStore(db)
	require.NoError(t, store.Ping(ctx))
	l := New(store)

	max, err := ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	require.NoError(t, l.RecordFunding(ctx, "esc_max", alice, max))
	require.NoError(t, l.RecordFunding(ctx, "esc_max", alice, max))
	require.NoError(t, l.Payout(ctx, "esc_max", bob, max))

	acct, err := l.Account(ctx, string(bob))
	require.NoError(t, err)
	assert.Equal(t, max.Dec(), acct.Received)

	totals, err := l.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Fundings)
	out := totals.Outstanding()
	assert.True(t, out.IsZero())
}
