/*
Package seed populates an empty database with a realistic demo dataset:
three users, four plans, five funds with monthly return series, four
certificates with contribution histories, and a few sample requests in
every terminal state.

All seeded lots are issued at the 1.0 bootstrap unit price, so each
certificate's unit supply equals the sum of its contribution amounts.
*/
package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// ErrAlreadySeeded is returned when the database already has users.
var ErrAlreadySeeded = errors.New("database already seeded")

// Annualized roughly 10% (fixed income), 13% (multi), 11% (equities),
// 7.5% (inflation-linked), 12% (global).
var (
	rfReturns = []float64{0.008, 0.007, 0.009, 0.008, 0.007, 0.008,
		0.009, 0.008, 0.007, 0.008, 0.009, 0.008}
	multiReturns = []float64{0.012, 0.010, -0.005, 0.015, 0.011, 0.008,
		0.014, -0.003, 0.013, 0.010, 0.016, 0.009}
	equityReturns = []float64{0.020, -0.015, 0.025, 0.010, -0.010, 0.030,
		0.015, -0.020, 0.035, 0.005, 0.018, -0.008}
	inflationReturns = []float64{0.006, 0.005, 0.007, 0.006, 0.005, 0.006,
		0.007, 0.006, 0.005, 0.006, 0.007, 0.006}
	globalReturns = []float64{0.015, -0.010, 0.020, 0.008, 0.012, -0.005,
		0.018, 0.010, -0.008, 0.022, 0.005, 0.014}
)

const portInPremiumFraction = 0.80

// Apply seeds the store. It refuses to touch a database that already has
// users.
func Apply(ctx context.Context, s ledger.Store) error {
	users, err := s.Users(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return ErrAlreadySeeded
	}

	return s.WithTx(ctx, func(tx ledger.Store) error {
		return apply(ctx, tx)
	})
}

func apply(ctx context.Context, s ledger.Store) error {
	// Plans.
	p1, err := s.CreatePlan(ctx, ledger.Plan{Type: ledger.PlanPGBL,
		Name: "PGBL Renda Fixa Conservador", Code: "PGBL-RF-001",
		FeesInfo: "Admin fee: 1.0% p.a., Loading: 0%, Carencia: 60 days"})
	if err != nil {
		return err
	}
	if _, err = s.CreatePlan(ctx, ledger.Plan{Type: ledger.PlanPGBL,
		Name: "PGBL Multimercado Moderado", Code: "PGBL-MM-002",
		FeesInfo: "Admin fee: 1.5% p.a., Loading: 0%, Carencia: 60 days"}); err != nil {
		return err
	}
	p3, err := s.CreatePlan(ctx, ledger.Plan{Type: ledger.PlanVGBL,
		Name: "VGBL Renda Fixa Plus", Code: "VGBL-RF-001",
		FeesInfo: "Admin fee: 0.8% p.a., Loading: 0%, Carencia: 60 days"})
	if err != nil {
		return err
	}
	p4, err := s.CreatePlan(ctx, ledger.Plan{Type: ledger.PlanVGBL,
		Name: "VGBL Acoes Crescimento", Code: "VGBL-EQ-002",
		FeesInfo: "Admin fee: 2.0% p.a., Loading: 0%, Carencia: 90 days. Qualified investors only."})
	if err != nil {
		return err
	}

	// Funds with their return series.
	f1, err := createFund(ctx, s, "FIE Renda Fixa DI",
		"Government bonds and bank CDs. Low risk, CDI-linked returns.",
		"12.345.678/0001-01", false, rfReturns)
	if err != nil {
		return err
	}
	f2, err := createFund(ctx, s, "FIE Multimercado Balanceado",
		"Diversified: 40% fixed income, 30% equities, 20% FX, 10% alternatives.",
		"23.456.789/0001-02", false, multiReturns)
	if err != nil {
		return err
	}
	f3, err := createFund(ctx, s, "FIE Acoes Ibovespa",
		"Tracks Ibovespa index. High risk, equity exposure.",
		"34.567.890/0001-03", false, equityReturns)
	if err != nil {
		return err
	}
	f4, err := createFund(ctx, s, "FIE Inflacao IPCA+",
		"IPCA-linked government bonds (NTN-B). Inflation protection.",
		"45.678.901/0001-04", false, inflationReturns)
	if err != nil {
		return err
	}
	f5, err := createFund(ctx, s, "FIE Global Equity",
		"International equity exposure via BDRs. Qualified investors.",
		"56.789.012/0001-05", true, globalReturns)
	if err != nil {
		return err
	}

	// Users.
	ana, err := s.CreateUser(ctx, "ana.silva@email.com", true)
	if err != nil {
		return err
	}
	carlos, err := s.CreateUser(ctx, "carlos.souza@email.com", true)
	if err != nil {
		return err
	}
	maria, err := s.CreateUser(ctx, "maria.santos@empresa.com", false)
	if err != nil {
		return err
	}

	// Ana: new investor, only brokerage cash.
	if err := s.SetBrokerageCash(ctx, ana, 25_000); err != nil {
		return err
	}

	// Carlos: veteran with a PGBL and a VGBL certificate.
	if err := s.SetBrokerageCash(ctx, carlos, 15_000); err != nil {
		return err
	}

	c1, err := s.CreateCertificate(ctx, carlos, p1, sim.MustParseDate("2024-01-01"), "")
	if err != nil {
		return err
	}
	for m := 0; m < 24; m++ {
		date := sim.NewDate(2024+m/12, 1, 1).AddMonthsClamped(m % 12)
		if err := seedLot(ctx, s, c1, 2000, date, ledger.SourceContribution, 2000); err != nil {
			return err
		}
	}
	if err := s.SetCertificateUnits(ctx, c1, 48_000); err != nil {
		return err
	}
	if err := s.SetHolding(ctx, c1, f1, 3000); err != nil {
		return err
	}
	if err := s.SetHolding(ctx, c1, f4, 2000); err != nil {
		return err
	}
	if err := s.SetTargetAllocations(ctx, c1, ledger.AllocationSet{
		{FundID: f1, Pct: 60}, {FundID: f4, Pct: 40}}); err != nil {
		return err
	}

	c2, err := s.CreateCertificate(ctx, carlos, p3, sim.MustParseDate("2025-01-01"), "")
	if err != nil {
		return err
	}
	for m := 0; m < 12; m++ {
		date := sim.NewDate(2025, 1, 1).AddMonthsClamped(m)
		if err := seedLot(ctx, s, c2, 3000, date, ledger.SourceContribution, 3000); err != nil {
			return err
		}
	}
	if err := s.SetCertificateUnits(ctx, c2, 36_000); err != nil {
		return err
	}
	if err := s.AddPremiumRemaining(ctx, c2, 36_000); err != nil {
		return err
	}
	for fund, units := range map[int64]float64{f1: 1500, f2: 1200, f3: 800, f4: 400} {
		if err := s.SetHolding(ctx, c2, fund, units); err != nil {
			return err
		}
	}
	if err := s.SetTargetAllocations(ctx, c2, ledger.AllocationSet{
		{FundID: f1, Pct: 40}, {FundID: f2, Pct: 30},
		{FundID: f3, Pct: 20}, {FundID: f4, Pct: 10}}); err != nil {
		return err
	}

	// Maria: qualified investor with a large, equities-heavy VGBL.
	if err := s.SetBrokerageCash(ctx, maria, 100_000); err != nil {
		return err
	}

	c3, err := s.CreateCertificate(ctx, maria, p4, sim.MustParseDate("2023-06-01"), "")
	if err != nil {
		return err
	}
	for _, lot := range []struct {
		amount float64
		date   string
	}{
		{500_000, "2023-06-01"},
		{100_000, "2024-01-01"},
		{50_000, "2024-06-01"},
	} {
		if err := seedLot(ctx, s, c3, lot.amount, sim.MustParseDate(lot.date),
			ledger.SourceContribution, lot.amount); err != nil {
			return err
		}
	}
	// A ported-in slice carrying embedded gains: only 80% of it is premium.
	if err := seedLot(ctx, s, c3, 75_000, sim.MustParseDate("2025-06-01"),
		ledger.SourceTransferExternal, 75_000*portInPremiumFraction); err != nil {
		return err
	}
	if err := s.SetCertificateUnits(ctx, c3, 725_000); err != nil {
		return err
	}
	if err := s.AddPremiumRemaining(ctx, c3, 650_000+75_000*portInPremiumFraction); err != nil {
		return err
	}
	if err := s.SetTaxRegime(ctx, c3, ledger.RegimeRegressive); err != nil {
		return err
	}
	for fund, units := range map[int64]float64{f3: 30_000, f5: 20_000, f2: 10_000} {
		if err := s.SetHolding(ctx, c3, fund, units); err != nil {
			return err
		}
	}
	if err := s.SetTargetAllocations(ctx, c3, ledger.AllocationSet{
		{FundID: f3, Pct: 50}, {FundID: f5, Pct: 33}, {FundID: f2, Pct: 17}}); err != nil {
		return err
	}

	c4, err := s.CreateCertificate(ctx, maria, p3, sim.MustParseDate("2024-01-01"), "")
	if err != nil {
		return err
	}
	if err := seedLot(ctx, s, c4, 50_000, sim.MustParseDate("2024-01-01"),
		ledger.SourceContribution, 50_000); err != nil {
		return err
	}
	if err := s.SetCertificateUnits(ctx, c4, 50_000); err != nil {
		return err
	}
	if err := s.AddPremiumRemaining(ctx, c4, 50_000); err != nil {
		return err
	}
	for fund, units := range map[int64]float64{f1: 3000, f4: 2000} {
		if err := s.SetHolding(ctx, c4, fund, units); err != nil {
			return err
		}
	}
	if err := s.SetTargetAllocations(ctx, c4, ledger.AllocationSet{
		{FundID: f1, Pct: 60}, {FundID: f4, Pct: 40}}); err != nil {
		return err
	}

	// Maria holds another R$200k of VGBL contributions at a different
	// institution; the declaration feeds the excise base.
	if err := s.SetIOFDeclaration(ctx, maria, 2025, 200_000); err != nil {
		return err
	}

	// Tax configuration.
	if err := s.SetIOFRules(ctx, []ledger.IOFRule{
		{YearFrom: 2025, YearTo: 2025, Limit: 300_000, Rate: 0.05},
		{YearFrom: 2026, YearTo: 9999, Limit: 600_000, Rate: 0.05},
	}); err != nil {
		return err
	}
	if err := s.SetPortInSchedule(ctx, []ledger.PortInTranche{
		{Pct: 30, YearsAgo: 1}, {Pct: 30, YearsAgo: 5}, {Pct: 40, YearsAgo: 11},
	}); err != nil {
		return err
	}
	if err := s.SetPortInPremiumFraction(ctx, portInPremiumFraction); err != nil {
		return err
	}

	// Sample requests in every terminal state.
	rid, err := s.CreateRequest(ctx, carlos, c1,
		ledger.ContributionDetails{Amount: 2000}, sim.MustParseDate("2025-12-01"))
	if err != nil {
		return err
	}
	if err := s.CompleteRequest(ctx, rid, sim.MustParseDate("2025-12-01")); err != nil {
		return err
	}

	rid, err = s.CreateRequest(ctx, carlos, c2,
		ledger.FundSwapDetails{NewAllocations: ledger.AllocationSet{
			{FundID: f1, Pct: 40}, {FundID: f2, Pct: 30},
			{FundID: f3, Pct: 20}, {FundID: f4, Pct: 10}}},
		sim.MustParseDate("2025-10-01"))
	if err != nil {
		return err
	}
	if err := s.CompleteRequest(ctx, rid, sim.MustParseDate("2025-10-15")); err != nil {
		return err
	}

	rid, err = s.CreateRequest(ctx, maria, c3,
		ledger.WithdrawalDetails{Amount: 200_000, Regime: ledger.RegimeRegressive},
		sim.MustParseDate("2025-11-01"))
	if err != nil {
		return err
	}
	if err := s.RejectRequest(ctx, rid,
		"Withdrawal amount exceeds policy limit for this period"); err != nil {
		return err
	}

	rid, err = s.CreateRequest(ctx, carlos, c1,
		ledger.ContributionDetails{Amount: 5000}, sim.MustParseDate("2025-12-15"))
	if err != nil {
		return err
	}
	if err := s.CancelRequest(ctx, rid); err != nil {
		return err
	}

	return s.SetClock(ctx, sim.Clock{Month: 0, Date: sim.MustParseDate("2026-01-01")})
}

func createFund(ctx context.Context, s ledger.Store, name, desc, cnpj string, qualified bool, returns []float64) (int64, error) {
	id, err := s.CreateFund(ctx, ledger.Fund{
		Name: name, Description: desc, CNPJ: cnpj,
		QualifiedOnly: qualified, InitialNAV: 10.0, CurrentNAV: 10.0,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to seed fund %s: %w", name, err)
	}
	return id, s.SetFundReturns(ctx, id, returns)
}

// seedLot records a fully-intact lot at the 1.0 bootstrap price.
func seedLot(ctx context.Context, s ledger.Store, certID int64, amount float64, date sim.Date, source ledger.LotSource, basis float64) error {
	_, err := s.AddLot(ctx, &ledger.Lot{
		CertificateID:   certID,
		Date:            date,
		Source:          source,
		Gross:           amount,
		Net:             amount,
		RemainingAmount: basis,
		UnitsTotal:      amount,
		UnitsRemaining:  amount,
		IssuePrice:      1.0,
	})
	return err
}
