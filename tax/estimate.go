/*
estimate.go - Pre-withdrawal tax preview

Read-only simulation of a withdrawal's tax outcome, used by the portal
before a request is submitted. If the certificate has not chosen a regime
yet, both estimates are produced side by side. Nothing is mutated; the FIFO
walk happens on in-memory copies of the lots.
*/
package tax

import (
	"context"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// LotBreakdown is one lot's share of an estimated withdrawal.
type LotBreakdown struct {
	LotID    int64    `json:"lot_id"`
	Date     sim.Date `json:"date"`
	Units    float64  `json:"units_consumed"`
	LotValue float64  `json:"lot_gross_value"`
	DaysHeld int      `json:"days_held"`
	Rate     float64  `json:"rate"`
	Taxable  float64  `json:"taxable"`
	Tax      float64  `json:"tax"`
}

// RegressiveEstimate is the full-FIFO regressive projection.
type RegressiveEstimate struct {
	Gross         float64        `json:"gross"`
	Tax           float64        `json:"tax"`
	Net           float64        `json:"net"`
	EffectiveRate float64        `json:"effective_rate"`
	Breakdown     []LotBreakdown `json:"breakdown"`
}

// ProgressiveEstimateResult is the flat-withholding projection. The final
// tax figure from the marginal table is advisory only.
type ProgressiveEstimateResult struct {
	Gross          float64 `json:"gross"`
	TaxableBase    float64 `json:"taxable_base"`
	Withheld       float64 `json:"tax_withheld_15pct"`
	EstimatedFinal float64 `json:"estimated_final_tax"`
	Net            float64 `json:"net"`
	EffectiveRate  float64 `json:"effective_rate"`
}

// Preview is the combined pre-withdrawal estimate.
type Preview struct {
	CertificateID    int64                      `json:"certificate_id"`
	PlanType         ledger.PlanType            `json:"plan_type"`
	Regime           ledger.TaxRegime           `json:"regime"`
	TotalValue       float64                    `json:"total_value"`
	PremiumRemaining float64                    `json:"premium_remaining"`
	Amount           float64                    `json:"withdrawal_amount"`
	Regressive       *RegressiveEstimate        `json:"regressive,omitempty"`
	Progressive      *ProgressiveEstimateResult `json:"progressive,omitempty"`
}

// Estimate computes the tax preview for withdrawing amount from the
// certificate as of the given date. Pure read.
func Estimate(ctx context.Context, s ledger.Store, certID int64, amount float64, asOf sim.Date) (*Preview, error) {
	cert, err := s.Certificate(ctx, certID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, ledger.ErrCertificateNotFound
	}

	totalValue, err := ledger.TotalValue(ctx, s, certID)
	if err != nil {
		return nil, err
	}
	if amount > totalValue {
		amount = totalValue
	}

	price, err := ledger.UnitPrice(ctx, s, cert)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		CertificateID:    certID,
		PlanType:         cert.PlanType,
		Regime:           cert.TaxRegime,
		TotalValue:       RoundCents(totalValue),
		PremiumRemaining: RoundCents(cert.PremiumRemaining),
		Amount:           RoundCents(amount),
	}
	if amount <= 0 {
		return p, nil
	}

	earningsRatio := 0.0
	if cert.PlanType == ledger.PlanVGBL {
		earningsRatio = EarningsRatio(cert.PremiumRemaining, totalValue)
	}
	taxableTotal := amount * earningsRatio

	if cert.TaxRegime == ledger.RegimeRegressive || cert.TaxRegime == ledger.RegimeUnset {
		est, err := regressivePreview(ctx, s, cert, amount, price, taxableTotal, asOf)
		if err != nil {
			return nil, err
		}
		p.Regressive = est
	}

	if cert.TaxRegime == ledger.RegimeProgressive || cert.TaxRegime == ledger.RegimeUnset {
		base := amount
		if cert.PlanType == ledger.PlanVGBL {
			base = taxableTotal
		}
		withheld := ProgressiveWithholding(base)
		p.Progressive = &ProgressiveEstimateResult{
			Gross:          RoundCents(amount),
			TaxableBase:    RoundCents(base),
			Withheld:       RoundCents(withheld),
			EstimatedFinal: RoundCents(ProgressiveEstimate(base)),
			Net:            RoundCents(amount - withheld),
			EffectiveRate:  effectiveRate(withheld, amount),
		}
	}

	return p, nil
}

func regressivePreview(ctx context.Context, s ledger.Store, cert *ledger.Certificate, amount, price, taxableTotal float64, asOf sim.Date) (*RegressiveEstimate, error) {
	lots, err := s.Lots(ctx, cert.ID)
	if err != nil {
		return nil, err
	}

	need := amount / price
	totalTax := 0.0
	var breakdown []LotBreakdown

	for _, lot := range lots {
		if need <= ledger.EpsilonDust {
			break
		}
		if lot.UnitsRemaining <= ledger.EpsilonDust {
			continue
		}
		take := need
		if lot.UnitsRemaining < take {
			take = lot.UnitsRemaining
		}
		need -= take

		lotValue := take * price
		rate := RegressiveRate(lot.Date, asOf)
		taxable := lotValue
		if cert.PlanType == ledger.PlanVGBL {
			taxable = 0
			if amount > 0 {
				taxable = (lotValue / amount) * taxableTotal
			}
		}
		lotTax := taxable * rate
		totalTax += lotTax

		breakdown = append(breakdown, LotBreakdown{
			LotID:    lot.ID,
			Date:     lot.Date,
			Units:    take,
			LotValue: RoundCents(lotValue),
			DaysHeld: max(0, sim.DaysBetween(lot.Date, asOf)),
			Rate:     rate,
			Taxable:  RoundCents(taxable),
			Tax:      RoundCents(lotTax),
		})
	}

	totalTax = RoundCents(totalTax)
	return &RegressiveEstimate{
		Gross:         RoundCents(amount),
		Tax:           totalTax,
		Net:           RoundCents(amount - totalTax),
		EffectiveRate: effectiveRate(totalTax, amount),
		Breakdown:     breakdown,
	}, nil
}

func effectiveRate(tax, gross float64) float64 {
	if gross <= 0 {
		return 0
	}
	return decimalRound4(tax / gross)
}
