package sqlite_test

import (
	"context"
	"errors"
	"fmt"
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

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	userID int64
	planID int64
	fundID int64
	certID int64
}

func newFixture(t *testing.T, s *sqlite.Store) fixture {
	t.Helper()
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "carlos@example.com", true)
	require.NoError(t, err)
	planID, err := s.CreatePlan(ctx, ledger.Plan{Type: ledger.PlanVGBL, Name: "VGBL Test", Code: "V-001"})
	require.NoError(t, err)
	fundID, err := s.CreateFund(ctx, ledger.Fund{Name: "Test Fund", InitialNAV: 10, CurrentNAV: 10})
	require.NoError(t, err)
	certID, err := s.CreateCertificate(ctx, userID, planID, sim.MustParseDate("2024-01-01"), "")
	require.NoError(t, err)

	return fixture{userID: userID, planID: planID, fundID: fundID, certID: certID}
}

// =============================================================================
// USERS & CASH
// =============================================================================

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	id, err := s.CreateUser(ctx, "maria@example.com", false)
	require.NoError(t, err)

	u, err := s.User(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "maria@example.com", u.Username)
	assert.False(t, u.Retail)

	missing, err := s.User(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBrokerageCash(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	cash, err := s.BrokerageCash(ctx, f.userID)
	require.NoError(t, err)
	assert.Zero(t, cash)

	require.NoError(t, s.SetBrokerageCash(ctx, f.userID, 10_000))
	require.NoError(t, s.AddBrokerageCash(ctx, f.userID, -2_500))

	cash, err = s.BrokerageCash(ctx, f.userID)
	require.NoError(t, err)
	assert.InDelta(t, 7_500, cash, 1e-9)
}

// =============================================================================
// CERTIFICATES
// =============================================================================

func TestCertificateJoinsPlan(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	cert, err := s.Certificate(ctx, f.certID)
	require.NoError(t, err)
	require.NotNil(t, cert)
	assert.Equal(t, ledger.PlanVGBL, cert.PlanType)
	assert.Equal(t, "VGBL Test", cert.PlanName)
	assert.Equal(t, ledger.PhaseAccumulation, cert.Phase)
	assert.Equal(t, ledger.RegimeUnset, cert.TaxRegime)
}

func TestSetTaxRegime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	require.NoError(t, s.SetTaxRegime(ctx, f.certID, ledger.RegimeRegressive))

	cert, err := s.Certificate(ctx, f.certID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RegimeRegressive, cert.TaxRegime)
}

func TestLotsOrderedByDateThenID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	// Inserted out of order; same-date lots tie-break on id.
	for _, date := range []string{"2024-06-01", "2024-01-01", "2024-06-01"} {
		_, err := s.AddLot(ctx, &ledger.Lot{
			CertificateID: f.certID, Date: sim.MustParseDate(date),
			Source: ledger.SourceContribution,
			Gross:  100, Net: 100, RemainingAmount: 100,
			UnitsTotal: 100, UnitsRemaining: 100, IssuePrice: 1,
		})
		require.NoError(t, err)
	}

	lots, err := s.Lots(ctx, f.certID)
	require.NoError(t, err)
	require.Len(t, lots, 3)
	assert.Equal(t, "2024-01-01", lots[0].Date.String())
	assert.Equal(t, "2024-06-01", lots[1].Date.String())
	assert.Equal(t, "2024-06-01", lots[2].Date.String())
	assert.Less(t, lots[1].ID, lots[2].ID)
}

func TestHoldingUpsertAndDustDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	require.NoError(t, s.SetHolding(ctx, f.certID, f.fundID, 100))
	require.NoError(t, s.SetHolding(ctx, f.certID, f.fundID, 250))

	holdings, err := s.Holdings(ctx, f.certID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.InDelta(t, 250, holdings[0].Units, 1e-9)
	assert.Equal(t, "Test Fund", holdings[0].FundName)
	assert.InDelta(t, 10, holdings[0].NAV, 1e-9)

	// Dust-level units remove the row entirely.
	require.NoError(t, s.SetHolding(ctx, f.certID, f.fundID, 1e-12))
	holdings, err = s.Holdings(ctx, f.certID)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestDeleteCertificateCascades(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	_, err := s.AddLot(ctx, &ledger.Lot{
		CertificateID: f.certID, Date: sim.MustParseDate("2024-01-01"),
		Source: ledger.SourceContribution,
		Gross:  100, Net: 100, RemainingAmount: 100,
		UnitsTotal: 100, UnitsRemaining: 100, IssuePrice: 1,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetHolding(ctx, f.certID, f.fundID, 50))
	require.NoError(t, s.SetTargetAllocations(ctx, f.certID, ledger.AllocationSet{{FundID: f.fundID, Pct: 100}}))
	_, err = s.CreateRequest(ctx, f.userID, f.certID,
		ledger.ContributionDetails{Amount: 100}, sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteCertificate(ctx, f.certID))

	cert, err := s.Certificate(ctx, f.certID)
	require.NoError(t, err)
	assert.Nil(t, cert)

	lots, err := s.Lots(ctx, f.certID)
	require.NoError(t, err)
	assert.Empty(t, lots)

	holdings, err := s.Holdings(ctx, f.certID)
	require.NoError(t, err)
	assert.Empty(t, holdings)

	requests, err := s.Requests(ctx, ledger.RequestFilter{CertificateID: f.certID})
	require.NoError(t, err)
	assert.Empty(t, requests)
}

// =============================================================================
// REQUEST QUEUE
// =============================================================================

func TestPendingRequestsGlobalOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	// Two earlier-dated requests created after a later-dated one still come
	// first: ordering is (created_date, id), not insertion order.
	late, err := s.CreateRequest(ctx, f.userID, f.certID,
		ledger.ContributionDetails{Amount: 3}, sim.MustParseDate("2026-03-01"))
	require.NoError(t, err)
	early1, err := s.CreateRequest(ctx, f.userID, f.certID,
		ledger.ContributionDetails{Amount: 1}, sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)
	early2, err := s.CreateRequest(ctx, f.userID, f.certID,
		ledger.ContributionDetails{Amount: 2}, sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)

	pending, err := s.PendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []int64{early1, early2, late},
		[]int64{pending[0].ID, pending[1].ID, pending[2].ID})
}

func TestRequestDetailsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	id, err := s.CreateRequest(ctx, f.userID, f.certID,
		ledger.WithdrawalDetails{Amount: 500, Regime: ledger.RegimeProgressive},
		sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)

	req, err := s.Request(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, ledger.RequestWithdrawal, req.Type)
	assert.Equal(t, ledger.StatusPending, req.Status)
	assert.Equal(t,
		ledger.WithdrawalDetails{Amount: 500, Regime: ledger.RegimeProgressive},
		req.Details)
}

func TestRequestTransitionGuard(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	id, err := s.CreateRequest(ctx, f.userID, f.certID,
		ledger.ContributionDetails{Amount: 100}, sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)

	require.NoError(t, s.CancelRequest(ctx, id))

	// Every transition out of a terminal state is refused.
	assert.ErrorIs(t, s.CompleteRequest(ctx, id, sim.MustParseDate("2026-02-01")), ledger.ErrRequestNotPending)
	assert.ErrorIs(t, s.FailRequest(ctx, id, "nope"), ledger.ErrRequestNotPending)
	assert.ErrorIs(t, s.RejectRequest(ctx, id, "nope"), ledger.ErrRequestNotPending)
	assert.ErrorIs(t, s.CancelRequest(ctx, id), ledger.ErrRequestNotPending)

	req, err := s.Request(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, req.Status)
}

func TestRequestFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	contribution, err := s.CreateRequest(ctx, f.userID, f.certID,
		ledger.ContributionDetails{Amount: 100}, sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)
	_, err = s.CreateRequest(ctx, f.userID, f.certID,
		ledger.WithdrawalDetails{Amount: 50}, sim.MustParseDate("2026-01-01"))
	require.NoError(t, err)
	require.NoError(t, s.CancelRequest(ctx, contribution))

	cancelled, err := s.Requests(ctx, ledger.RequestFilter{Status: ledger.StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, contribution, cancelled[0].ID)

	withdrawals, err := s.Requests(ctx, ledger.RequestFilter{Type: ledger.RequestWithdrawal})
	require.NoError(t, err)
	assert.Len(t, withdrawals, 1)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	require.NoError(t, s.SetBrokerageCash(ctx, f.userID, 1000))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.SetBrokerageCash(ctx, f.userID, 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	cash, err := s.BrokerageCash(ctx, f.userID)
	require.NoError(t, err)
	assert.InDelta(t, 1000, cash, 1e-9)
}

func TestWithTxCommits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.SetBrokerageCash(ctx, f.userID, 777)
	})
	require.NoError(t, err)

	cash, err := s.BrokerageCash(ctx, f.userID)
	require.NoError(t, err)
	assert.InDelta(t, 777, cash, 1e-9)
}

// =============================================================================
// CLOCK & CONFIGURATION
// =============================================================================

func TestClockDefaultAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	clock, err := s.Clock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, clock.Month)
	assert.Equal(t, "2026-01-01", clock.Date.String())

	next := clock.Next()
	require.NoError(t, s.SetClock(ctx, next))

	clock, err = s.Clock(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, clock.Month)
	assert.Equal(t, "2026-02-01", clock.Date.String())
}

func TestIOFRuleLookup(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// Defaults seeded at migration.
	rule, err := s.IOFRule(ctx, 2025)
	require.NoError(t, err)
	assert.InDelta(t, 300_000, rule.Limit, 1e-9)
	assert.InDelta(t, 0.05, rule.Rate, 1e-9)

	rule, err = s.IOFRule(ctx, 2030)
	require.NoError(t, err)
	assert.InDelta(t, 600_000, rule.Limit, 1e-9)

	// Years before any band get a zero rule.
	rule, err = s.IOFRule(ctx, 2010)
	require.NoError(t, err)
	assert.Zero(t, rule.Rate)
}

func TestPortInConfigDefaults(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	schedule, err := s.PortInSchedule(ctx)
	require.NoError(t, err)
	require.Len(t, schedule, 3)
	assert.Equal(t, ledger.PortInTranche{Pct: 30, YearsAgo: 1}, schedule[0])
	assert.Equal(t, ledger.PortInTranche{Pct: 30, YearsAgo: 5}, schedule[1])
	assert.Equal(t, ledger.PortInTranche{Pct: 40, YearsAgo: 11}, schedule[2])

	fraction, err := s.PortInPremiumFraction(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.80, fraction, 1e-9)
}

func TestIOFDeclarationUpsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	amount, err := s.IOFDeclaration(ctx, f.userID, 2026)
	require.NoError(t, err)
	assert.Zero(t, amount)

	require.NoError(t, s.SetIOFDeclaration(ctx, f.userID, 2026, 150_000))
	require.NoError(t, s.SetIOFDeclaration(ctx, f.userID, 2026, 200_000))

	amount, err = s.IOFDeclaration(ctx, f.userID, 2026)
	require.NoError(t, err)
	assert.InDelta(t, 200_000, amount, 1e-9)
}

func TestYearVGBLContributions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	// A second, PGBL certificate whose lots must not count.
	pgblPlan, err := s.CreatePlan(ctx, ledger.Plan{Type: ledger.PlanPGBL, Name: "PGBL Test", Code: "P-001"})
	require.NoError(t, err)
	pgblCert, err := s.CreateCertificate(ctx, f.userID, pgblPlan, sim.MustParseDate("2024-01-01"), "")
	require.NoError(t, err)

	add := func(certID int64, gross float64, date string, source ledger.LotSource) {
		_, err := s.AddLot(ctx, &ledger.Lot{
			CertificateID: certID, Date: sim.MustParseDate(date), Source: source,
			Gross: gross, Net: gross, RemainingAmount: gross,
			UnitsTotal: gross, UnitsRemaining: gross, IssuePrice: 1,
		})
		require.NoError(t, err)
	}

	add(f.certID, 100_000, "2026-02-01", ledger.SourceContribution)
	add(f.certID, 50_000, "2026-07-01", ledger.SourceContribution)
	add(f.certID, 30_000, "2025-12-01", ledger.SourceContribution) // other year
	add(f.certID, 40_000, "2026-03-01", ledger.SourceTransferExternal)
	add(pgblCert, 80_000, "2026-04-01", ledger.SourceContribution) // PGBL

	total, err := s.YearVGBLContributions(ctx, f.userID, 2026)
	require.NoError(t, err)
	assert.InDelta(t, 150_000, total, 1e-9)
}

func TestFundReturnsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	f := newFixture(t, s)

	series := []float64{0.01, -0.02, 0.03}
	require.NoError(t, s.SetFundReturns(ctx, f.fundID, series))

	got, err := s.FundReturns(ctx, f.fundID)
	require.NoError(t, err)
	assert.Equal(t, series, got)

	// Replacing the series drops the old one.
	require.NoError(t, s.SetFundReturns(ctx, f.fundID, []float64{0.05}))
	got, err = s.FundReturns(ctx, f.fundID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.05}, got)
}

func TestAppendLotAllocations(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rows := make([]ledger.LotAllocation, 3)
	for i := range rows {
		rows[i] = ledger.LotAllocation{
			ID:             fmt.Sprintf("test-uuid-%d", i),
			OutflowType:    "withdrawal",
			OutflowID:      1,
			LotID:          int64(i + 1),
			ConsumedUnits:  10,
			ConsumedAmount: 10,
			DaysHeld:       400,
			TaxRate:        0.35,
			TaxableBase:    10,
			TaxAmount:      3.5,
		}
	}
	require.NoError(t, s.AppendLotAllocations(ctx, rows))
	require.NoError(t, s.AppendLotAllocations(ctx, nil))
}
