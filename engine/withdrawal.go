/*
withdrawal.go - Withdrawal executor

The tax-heavy path. The ordering here is load-bearing:

  1. capture total value, unit price, and VGBL premium ratio (pre-mutation)
  2. sell holdings proportionally to raise the gross
  3. consume lots FIFO by units
  4. tax each consumed slice at its own lot-age rate
  5. shrink premium and unit supply, credit net to brokerage

Withdrawing does not flip the certificate to the spending phase; partial
withdrawals during accumulation are allowed.
*/
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
	"github.com/antonragin/pgbl-vgbl-portal/tax"
)

// withdrawalTaxDetails is the persisted JSON breakdown on the withdrawal row.
type withdrawalTaxDetails struct {
	Gross         float64            `json:"gross"`
	Tax           float64            `json:"tax"`
	Net           float64            `json:"net"`
	EffectiveRate float64            `json:"effective_rate"`
	Regime        ledger.TaxRegime   `json:"regime"`
	UnitPrice     float64            `json:"unit_price"`
	Breakdown     []tax.LotBreakdown `json:"breakdown"`
}

func (e *Engine) executeWithdrawal(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.WithdrawalDetails, date sim.Date, ml *MonthLog) error {
	cert, err := ownedCertificate(ctx, s, req.CertificateID, req.UserID)
	if err != nil {
		return err
	}

	if d.Amount <= 0 {
		return fmt.Errorf("withdrawal of %s: %w", FormatBRL(d.Amount), ledger.ErrAmountNotPositive)
	}

	// First withdrawal may lock in the regime; changing it afterwards is
	// not allowed.
	if d.Regime != "" {
		switch cert.TaxRegime {
		case ledger.RegimeUnset:
			if err := s.SetTaxRegime(ctx, cert.ID, d.Regime); err != nil {
				return err
			}
			cert.TaxRegime = d.Regime
		case d.Regime:
			// already chosen, nothing to do
		default:
			return fmt.Errorf("certificate %d is %s: %w", cert.ID, cert.TaxRegime, ledger.ErrRegimeAlreadySet)
		}
	}

	// Pre-mutation snapshot.
	totalValue, err := ledger.TotalValue(ctx, s, cert.ID)
	if err != nil {
		return err
	}
	amount := d.Amount
	if amount > totalValue {
		amount = totalValue
	}
	if amount <= ledger.EpsilonDust {
		return fmt.Errorf("certificate %d is empty: %w", cert.ID, ledger.ErrInsufficientValue)
	}
	price, err := ledger.UnitPrice(ctx, s, cert)
	if err != nil {
		return err
	}
	premiumBefore := cert.PremiumRemaining

	if err := sellHoldings(ctx, s, cert.ID, amount); err != nil {
		return err
	}

	unitsToRedeem := amount / price
	consumed, err := ledger.ConsumeFIFO(ctx, s, cert.ID, unitsToRedeem)
	if err != nil {
		return err
	}

	// VGBL taxes only the earnings share of the redemption, measured at
	// certificate level before the sell.
	taxableTotal := 0.0
	if cert.PlanType == ledger.PlanVGBL {
		taxableTotal = amount * tax.EarningsRatio(premiumBefore, totalValue)
	}

	totalTax := 0.0
	var breakdown []tax.LotBreakdown
	var auditRows []ledger.LotAllocation

	for _, c := range consumed {
		lotValue := c.Units * price

		rate := tax.ProgressiveWithholdingRate
		if cert.TaxRegime == ledger.RegimeRegressive {
			rate = tax.RegressiveRate(c.Lot.Date, date)
		}

		taxable := lotValue
		if cert.PlanType == ledger.PlanVGBL {
			taxable = (lotValue / amount) * taxableTotal
		}
		lotTax := taxable * rate
		totalTax += lotTax

		daysHeld := sim.DaysBetween(c.Lot.Date, date)
		if daysHeld < 0 {
			daysHeld = 0
		}

		breakdown = append(breakdown, tax.LotBreakdown{
			LotID:    c.Lot.ID,
			Date:     c.Lot.Date,
			Units:    c.Units,
			LotValue: tax.RoundCents(lotValue),
			DaysHeld: daysHeld,
			Rate:     rate,
			Taxable:  tax.RoundCents(taxable),
			Tax:      tax.RoundCents(lotTax),
		})
		auditRows = append(auditRows, ledger.LotAllocation{
			ID:             uuid.NewString(),
			OutflowType:    string(ledger.RequestWithdrawal),
			LotID:          c.Lot.ID,
			ConsumedUnits:  c.Units,
			ConsumedAmount: c.Amount,
			DaysHeld:       daysHeld,
			TaxRate:        rate,
			TaxableBase:    tax.RoundCents(taxable),
			TaxAmount:      tax.RoundCents(lotTax),
		})
	}

	totalTax = tax.RoundCents(totalTax)
	net := amount - totalTax

	effectiveRate := 0.0
	if amount > 0 {
		effectiveRate = totalTax / amount
	}
	detailsJSON, err := json.Marshal(withdrawalTaxDetails{
		Gross:         tax.RoundCents(amount),
		Tax:           totalTax,
		Net:           tax.RoundCents(net),
		EffectiveRate: effectiveRate,
		Regime:        cert.TaxRegime,
		UnitPrice:     price,
		Breakdown:     breakdown,
	})
	if err != nil {
		return err
	}

	withdrawalID, err := s.AddWithdrawal(ctx, &ledger.Withdrawal{
		CertificateID: cert.ID,
		Gross:         amount,
		TaxWithheld:   totalTax,
		Net:           net,
		Date:          date,
		TaxDetails:    string(detailsJSON),
	})
	if err != nil {
		return err
	}
	for i := range auditRows {
		auditRows[i].OutflowID = withdrawalID
	}
	if err := s.AppendLotAllocations(ctx, auditRows); err != nil {
		return err
	}

	// Premium leaves proportionally to value withdrawn, units one for one.
	if cert.PlanType == ledger.PlanVGBL && totalValue > 0 {
		premiumOut := amount * (premiumBefore / totalValue)
		if err := s.AddPremiumRemaining(ctx, cert.ID, -premiumOut); err != nil {
			return err
		}
		cert.PremiumRemaining -= premiumOut
	}
	if err := s.AddCertificateUnits(ctx, cert.ID, -unitsToRedeem); err != nil {
		return err
	}
	cert.UnitSupply -= unitsToRedeem

	if err := s.AddBrokerageCash(ctx, req.UserID, net); err != nil {
		return err
	}

	ml.eventf("Withdrawal from certificate #%d: gross %s, tax %s, net %s -> brokerage",
		cert.ID, FormatBRL(amount), FormatBRL(totalTax), FormatBRL(net))
	return nil
}
