package seed_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/seed"
	"github.com/antonragin/pgbl-vgbl-portal/store/sqlite"
)

func TestApply(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, seed.Apply(ctx, s))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)

	plans, err := s.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 4)

	funds, err := s.Funds(ctx)
	require.NoError(t, err)
	require.Len(t, funds, 5)
	for _, f := range funds {
		assert.InDelta(t, 10.0, f.CurrentNAV, 1e-9)
		returns, err := s.FundReturns(ctx, f.ID)
		require.NoError(t, err)
		assert.Len(t, returns, 12)
	}

	// Carlos's PGBL: 24 monthly lots at the 1.0 bootstrap price, so unit
	// supply equals the contributed amount.
	carlosCerts, err := s.Certificates(ctx, users[1].ID)
	require.NoError(t, err)
	require.Len(t, carlosCerts, 2)
	assert.InDelta(t, 48_000, carlosCerts[0].UnitSupply, 1e-9)

	lots, err := s.Lots(ctx, carlosCerts[0].ID)
	require.NoError(t, err)
	assert.Len(t, lots, 24)

	// Maria's large VGBL: regressive regime, ported-in lot at 80% basis.
	mariaCerts, err := s.Certificates(ctx, users[2].ID)
	require.NoError(t, err)
	require.Len(t, mariaCerts, 2)
	big := mariaCerts[0]
	assert.Equal(t, ledger.RegimeRegressive, big.TaxRegime)
	assert.InDelta(t, 725_000, big.UnitSupply, 1e-9)
	assert.InDelta(t, 710_000, big.PremiumRemaining, 1e-9)

	// One sample request per terminal state, none pending.
	pending, err := s.PendingRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	for _, status := range []ledger.RequestStatus{
		ledger.StatusCompleted, ledger.StatusRejected, ledger.StatusCancelled,
	} {
		reqs, err := s.Requests(ctx, ledger.RequestFilter{Status: status})
		require.NoError(t, err)
		assert.NotEmpty(t, reqs, string(status))
	}
}

func TestApplyRefusesSeededDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, seed.Apply(ctx, s))
	assert.ErrorIs(t, seed.Apply(ctx, s), seed.ErrAlreadySeeded)
}
