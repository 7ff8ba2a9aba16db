/*
contribution.go - Contribution and brokerage-withdrawal executors

A contribution moves brokerage cash into a certificate: excise tax is
withheld for VGBL when the user's annual volume crosses the configured
threshold, a cost-basis lot is issued at the pre-money unit price, and
the net amount buys fund units per the target allocation.
*/
package engine

import (
	"context"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
	"github.com/antonragin/pgbl-vgbl-portal/tax"
)

func (e *Engine) executeContribution(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.ContributionDetails, date sim.Date, ml *MonthLog) error {
	cert, err := ownedCertificate(ctx, s, req.CertificateID, req.UserID)
	if err != nil {
		return err
	}

	amount := d.Amount
	if amount <= 0 {
		return fmt.Errorf("contribution of %s: %w", FormatBRL(amount), ledger.ErrAmountNotPositive)
	}

	cash, err := s.BrokerageCash(ctx, req.UserID)
	if err != nil {
		return err
	}
	if cash < amount {
		return fmt.Errorf("have %s, need %s: %w",
			FormatBRL(cash), FormatBRL(amount), ledger.ErrInsufficientCash)
	}
	if err := s.SetBrokerageCash(ctx, req.UserID, cash-amount); err != nil {
		return err
	}

	// VGBL excise on the portion of annual volume above the threshold.
	excise := 0.0
	if cert.PlanType == ledger.PlanVGBL {
		excise, err = e.vgblExcise(ctx, s, req.UserID, amount, date)
		if err != nil {
			return err
		}
	}

	netInvest := amount - excise
	if netInvest <= ledger.EpsilonDust {
		return fmt.Errorf("excise %s on contribution %s: %w",
			FormatBRL(excise), FormatBRL(amount), ledger.ErrExciseConsumesContribution)
	}

	lot, err := ledger.IssueLot(ctx, s, cert, amount, netInvest, netInvest, date, ledger.SourceContribution)
	if err != nil {
		return err
	}

	if cert.PlanType == ledger.PlanVGBL {
		if err := s.AddPremiumRemaining(ctx, cert.ID, netInvest); err != nil {
			return err
		}
		cert.PremiumRemaining += netInvest
	}

	if err := buyInto(ctx, s, cert.ID, netInvest); err != nil {
		return err
	}

	exciseMsg := ""
	if excise > 0 {
		exciseMsg = fmt.Sprintf(", IOF %s", FormatBRL(excise))
	}
	ml.eventf("Contribution to certificate #%d: %s invested%s, %.4f cert units issued at %.4f/unit",
		cert.ID, FormatBRL(amount), exciseMsg, lot.UnitsTotal, lot.IssuePrice)
	return nil
}

// vgblExcise computes the excise withheld from one new VGBL contribution.
// The annual base is the user's direct VGBL contributions this calendar
// year (transfer-sourced lots excluded) plus any declared volume held at
// other institutions.
func (e *Engine) vgblExcise(ctx context.Context, s ledger.Store, userID int64, amount float64, date sim.Date) (float64, error) {
	rule, err := s.IOFRule(ctx, date.Year())
	if err != nil {
		return 0, err
	}
	if rule.Rate <= 0 {
		return 0, nil
	}

	yearTotal, err := s.YearVGBLContributions(ctx, userID, date.Year())
	if err != nil {
		return 0, err
	}
	declared, err := s.IOFDeclaration(ctx, userID, date.Year())
	if err != nil {
		return 0, err
	}

	return tax.Excise(yearTotal, declared, amount, rule.Limit, rule.Rate), nil
}

// executeBrokerageWithdrawal removes cash from the simulation entirely.
func (e *Engine) executeBrokerageWithdrawal(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.BrokerageWithdrawalDetails, date sim.Date, ml *MonthLog) error {
	amount := d.Amount
	if amount <= 0 {
		return fmt.Errorf("brokerage withdrawal of %s: %w", FormatBRL(amount), ledger.ErrAmountNotPositive)
	}

	cash, err := s.BrokerageCash(ctx, req.UserID)
	if err != nil {
		return err
	}
	if cash < amount {
		return fmt.Errorf("have %s, need %s: %w",
			FormatBRL(cash), FormatBRL(amount), ledger.ErrInsufficientCash)
	}
	if err := s.SetBrokerageCash(ctx, req.UserID, cash-amount); err != nil {
		return err
	}

	ml.eventf("Brokerage withdrawal: %s removed from user #%d's account", FormatBRL(amount), req.UserID)
	return nil
}
