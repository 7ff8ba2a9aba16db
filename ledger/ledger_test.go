package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
	"github.com/antonragin/pgbl-vgbl-portal/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestCertificate creates a user, plan, and certificate in one call.
func newTestCertificate(t *testing.T, s *sqlite.Store, planType ledger.PlanType) int64 {
	t.Helper()
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "test@example.com", true)
	require.NoError(t, err)
	planID, err := s.CreatePlan(ctx, ledger.Plan{Type: planType, Name: "Test Plan", Code: "T-001"})
	require.NoError(t, err)
	certID, err := s.CreateCertificate(ctx, userID, planID, sim.MustParseDate("2024-01-01"), "")
	require.NoError(t, err)
	return certID
}

func addLot(t *testing.T, s *sqlite.Store, certID int64, amount float64, date string) int64 {
	t.Helper()
	id, err := s.AddLot(context.Background(), &ledger.Lot{
		CertificateID:   certID,
		Date:            sim.MustParseDate(date),
		Source:          ledger.SourceContribution,
		Gross:           amount,
		Net:             amount,
		RemainingAmount: amount,
		UnitsTotal:      amount,
		UnitsRemaining:  amount,
		IssuePrice:      1.0,
	})
	require.NoError(t, err)
	require.NoError(t, s.AddCertificateUnits(context.Background(), certID, amount))
	return id
}

// =============================================================================
// FIFO CONSUMPTION
// =============================================================================

func TestConsumeFIFOOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)

	oldLot := addLot(t, s, certID, 100, "2024-01-01")
	newLot := addLot(t, s, certID, 100, "2024-06-01")

	consumed, err := ledger.ConsumeFIFO(ctx, s, certID, 150)
	require.NoError(t, err)
	require.Len(t, consumed, 2)

	// Oldest lot is drained first, then the newer one covers the rest.
	assert.Equal(t, oldLot, consumed[0].Lot.ID)
	assert.InDelta(t, 100, consumed[0].Units, 1e-9)
	assert.Equal(t, newLot, consumed[1].Lot.ID)
	assert.InDelta(t, 50, consumed[1].Units, 1e-9)

	lots, err := s.Lots(ctx, certID)
	require.NoError(t, err)
	assert.InDelta(t, 0, lots[0].UnitsRemaining, 1e-9)
	assert.InDelta(t, 0, lots[0].RemainingAmount, 1e-9)
	assert.InDelta(t, 50, lots[1].UnitsRemaining, 1e-9)
	assert.InDelta(t, 50, lots[1].RemainingAmount, 1e-9)
}

func TestConsumeFIFOBasisProportional(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)
	addLot(t, s, certID, 100, "2024-01-01")

	consumed, err := ledger.ConsumeFIFO(ctx, s, certID, 25)
	require.NoError(t, err)
	require.Len(t, consumed, 1)

	// 25% of the units takes 25% of the basis with it.
	assert.InDelta(t, 25, consumed[0].Amount, 1e-9)

	lots, err := s.Lots(ctx, certID)
	require.NoError(t, err)
	assert.InDelta(t, 75, lots[0].RemainingAmount, 1e-9)
	assert.InDelta(t, 75, lots[0].UnitsRemaining, 1e-9)
}

func TestConsumeFIFODustSnap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)
	addLot(t, s, certID, 100, "2024-01-01")

	// Leave less than a dust epsilon behind; both counters must snap to
	// exactly zero together.
	_, err := ledger.ConsumeFIFO(ctx, s, certID, 100-1e-12)
	require.NoError(t, err)

	lots, err := s.Lots(ctx, certID)
	require.NoError(t, err)
	assert.Zero(t, lots[0].UnitsRemaining)
	assert.Zero(t, lots[0].RemainingAmount)
}

func TestConsumeFIFOOverConsumption(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)
	addLot(t, s, certID, 100, "2024-01-01")

	_, err := ledger.ConsumeFIFO(ctx, s, certID, 200)
	require.Error(t, err)

	var inv *ledger.InvariantError
	assert.True(t, errors.As(err, &inv))
	assert.True(t, errors.Is(err, ledger.ErrInvariant))
	assert.False(t, ledger.IsUserError(err))
}

func TestConsumeFIFOZeroUnits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)
	addLot(t, s, certID, 100, "2024-01-01")

	consumed, err := ledger.ConsumeFIFO(ctx, s, certID, 0)
	require.NoError(t, err)
	assert.Empty(t, consumed)
}

// =============================================================================
// LOT ISSUANCE & VALUATION
// =============================================================================

func TestIssueLotAtPreMoneyPrice(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)

	fundID, err := s.CreateFund(ctx, ledger.Fund{Name: "Test Fund", InitialNAV: 10, CurrentNAV: 10})
	require.NoError(t, err)

	// 500 units outstanding against R$1000 of holdings: price 2.0.
	addLot(t, s, certID, 500, "2024-01-01")
	require.NoError(t, s.SetHolding(ctx, certID, fundID, 100))

	cert, err := s.Certificate(ctx, certID)
	require.NoError(t, err)

	price, err := ledger.UnitPrice(ctx, s, cert)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, price, 1e-9)

	lot, err := ledger.IssueLot(ctx, s, cert, 100, 100, 100,
		sim.MustParseDate("2025-01-01"), ledger.SourceContribution)
	require.NoError(t, err)

	// R$100 at price 2.0 buys 50 units, priced before any mutation.
	assert.InDelta(t, 50, lot.UnitsTotal, 1e-9)
	assert.InDelta(t, 2.0, lot.IssuePrice, 1e-9)
	assert.InDelta(t, 550, cert.UnitSupply, 1e-9)

	stored, err := s.Certificate(ctx, certID)
	require.NoError(t, err)
	assert.InDelta(t, 550, stored.UnitSupply, 1e-9)
}

func TestUnitPriceBootstrap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)

	cert, err := s.Certificate(ctx, certID)
	require.NoError(t, err)

	// Empty certificate bootstraps at 1.0.
	price, err := ledger.UnitPrice(ctx, s, cert)
	require.NoError(t, err)
	assert.Equal(t, 1.0, price)
}

func TestReconcileHealsSupplyDrift(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	certID := newTestCertificate(t, s, ledger.PlanPGBL)
	addLot(t, s, certID, 100, "2024-01-01")

	// Corrupt the cached counter.
	require.NoError(t, s.SetCertificateUnits(ctx, certID, 123))

	cert, err := s.Certificate(ctx, certID)
	require.NoError(t, err)

	oldSupply, newSupply, err := ledger.Reconcile(ctx, s, cert)
	require.NoError(t, err)
	assert.InDelta(t, 123, oldSupply, 1e-9)
	assert.InDelta(t, 100, newSupply, 1e-9)
	assert.InDelta(t, 100, cert.UnitSupply, 1e-9)
}

// =============================================================================
// ALLOCATION SETS
// =============================================================================

func TestAllocationSetValidate(t *testing.T) {
	valid := ledger.AllocationSet{{FundID: 1, Pct: 60}, {FundID: 2, Pct: 40}}
	assert.NoError(t, valid.Validate())

	short := ledger.AllocationSet{{FundID: 1, Pct: 60}}
	assert.Error(t, short.Validate())

	negative := ledger.AllocationSet{{FundID: 1, Pct: -10}, {FundID: 2, Pct: 110}}
	assert.Error(t, negative.Validate())

	assert.Error(t, ledger.AllocationSet{}.Validate())

	// Small drift within tolerance passes.
	drift := ledger.AllocationSet{{FundID: 1, Pct: 33.33}, {FundID: 2, Pct: 33.33}, {FundID: 3, Pct: 33.34}}
	assert.NoError(t, drift.Validate())
}

func TestAllocationSetFractions(t *testing.T) {
	as := ledger.AllocationSet{{FundID: 1, Pct: 60}, {FundID: 2, Pct: 40}}
	fractions, err := as.Fractions()
	require.NoError(t, err)
	assert.InDelta(t, 0.6, fractions[1], 1e-9)
	assert.InDelta(t, 0.4, fractions[2], 1e-9)

	// Drifted percentages normalize to a sum of exactly 1.
	drifted := ledger.AllocationSet{{FundID: 1, Pct: 50.005}, {FundID: 2, Pct: 49.995}}
	fractions, err = drifted.Fractions()
	require.NoError(t, err)
	sum := 0.0
	for _, f := range fractions {
		sum += f
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

// =============================================================================
// REQUEST DETAILS CODEC
// =============================================================================

func TestDetailsCodecRoundTrip(t *testing.T) {
	cases := []ledger.RequestDetails{
		ledger.ContributionDetails{Amount: 2000},
		ledger.WithdrawalDetails{Amount: 500, Regime: ledger.RegimeRegressive},
		ledger.FundSwapDetails{NewAllocations: ledger.AllocationSet{{FundID: 1, Pct: 100}}},
		ledger.PortabilityOutDetails{DestinationCertID: 7},
		ledger.PortabilityInDetails{SourceCertID: 3},
	}

	for _, details := range cases {
		raw, err := ledger.EncodeDetails(details)
		require.NoError(t, err)

		decoded, err := ledger.DecodeDetails(details.RequestType(), raw)
		require.NoError(t, err)
		assert.Equal(t, details, decoded)
	}
}

func TestDecodeDetailsUnknownType(t *testing.T) {
	_, err := ledger.DecodeDetails("bogus", "{}")
	assert.Error(t, err)
}
