/*
transfers.go - Value movement between certificates and across the boundary

Four executors share one core:

  transfer_internal      move value between two of the user's certificates
  portability_out        legacy flavor of the same movement; amount 0 means
                         "the whole certificate", and it completes a matching
                         pending portability_in on the destination
  transfer_external_out  value leaves the simulation
  transfer_external_in   value enters; lots are backdated per the configured
                         tranche schedule so their tax aging is plausible

Moved lots keep their ORIGINAL dates and carry their consumed cost basis;
only their unit counts are re-expressed at the destination's unit price.
Tax is never assessed on a transfer - the audit rows carry zero rates.
*/
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

func (e *Engine) executeTransferInternal(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.TransferInternalDetails, date sim.Date, ml *MonthLog) error {
	moved, err := e.transferBetween(ctx, s, req, d.DestinationCertID, d.Amount,
		ledger.SourceTransferInternal, string(ledger.RequestTransferInternal), date)
	if err != nil {
		return err
	}
	ml.eventf("Internal transfer: %s from #%d to #%d (lots moved FIFO, dates preserved)",
		FormatBRL(moved), req.CertificateID, d.DestinationCertID)
	return nil
}

func (e *Engine) executePortabilityOut(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.PortabilityOutDetails, date sim.Date, ml *MonthLog) error {
	// Amount 0 is the legacy "port everything" form.
	amount := d.Amount
	if amount == 0 {
		v, err := ledger.TotalValue(ctx, s, req.CertificateID)
		if err != nil {
			return err
		}
		amount = v
	}

	moved, err := e.transferBetween(ctx, s, req, d.DestinationCertID, amount,
		ledger.SourceTransferExternal, string(ledger.RequestPortabilityOut), date)
	if err != nil {
		return err
	}

	// Complete a matching passive portability_in, if one is pending.
	pending, err := s.Requests(ctx, ledger.RequestFilter{
		CertificateID: d.DestinationCertID,
		Status:        ledger.StatusPending,
		Type:          ledger.RequestPortabilityIn,
	})
	if err != nil {
		return err
	}
	for _, in := range pending {
		if pd, ok := in.Details.(ledger.PortabilityInDetails); ok && pd.SourceCertID == req.CertificateID {
			if err := s.CompleteRequest(ctx, in.ID, date); err != nil {
				return err
			}
		}
	}

	ml.eventf("Portability: %s from certificate #%d to #%d (lots moved FIFO, dates preserved)",
		FormatBRL(moved), req.CertificateID, d.DestinationCertID)
	return nil
}

// transferBetween is the shared movement core: sell at source, consume FIFO,
// recreate the consumed lots at the destination, move premium, rebuy.
// Returns the amount actually moved (clamped to source value).
func (e *Engine) transferBetween(ctx context.Context, s ledger.Store, req *ledger.Request, destID int64, amount float64, destSource ledger.LotSource, outflowType string, date sim.Date) (float64, error) {
	source, err := ownedCertificate(ctx, s, req.CertificateID, req.UserID)
	if err != nil {
		return 0, err
	}
	dest, err := ownedCertificate(ctx, s, destID, req.UserID)
	if err != nil {
		return 0, err
	}

	if source.PlanType != dest.PlanType {
		return 0, fmt.Errorf("%s -> %s: %w", source.PlanType, dest.PlanType, ledger.ErrPlanTypeMismatch)
	}
	if source.TaxRegime != ledger.RegimeUnset && dest.TaxRegime != ledger.RegimeUnset &&
		source.TaxRegime != dest.TaxRegime {
		return 0, fmt.Errorf("%s -> %s: %w", source.TaxRegime, dest.TaxRegime, ledger.ErrRegimeMismatch)
	}
	// A chosen regime follows the money into an undecided destination.
	if source.TaxRegime != ledger.RegimeUnset && dest.TaxRegime == ledger.RegimeUnset {
		if err := s.SetTaxRegime(ctx, dest.ID, source.TaxRegime); err != nil {
			return 0, err
		}
		dest.TaxRegime = source.TaxRegime
	}

	// Pre-mutation snapshot at the source.
	sourceValue, err := ledger.TotalValue(ctx, s, source.ID)
	if err != nil {
		return 0, err
	}
	if amount > sourceValue {
		amount = sourceValue
	}
	if amount <= 0 {
		return 0, fmt.Errorf("transfer of %s: %w", FormatBRL(amount), ledger.ErrAmountNotPositive)
	}
	srcPrice, err := ledger.UnitPrice(ctx, s, source)
	if err != nil {
		return 0, err
	}
	premiumBefore := source.PremiumRemaining

	if err := sellHoldings(ctx, s, source.ID, amount); err != nil {
		return 0, err
	}

	unitsOut := amount / srcPrice
	consumed, err := ledger.ConsumeFIFO(ctx, s, source.ID, unitsOut)
	if err != nil {
		return 0, err
	}

	var auditRows []ledger.LotAllocation
	for _, c := range consumed {
		daysHeld := sim.DaysBetween(c.Lot.Date, date)
		if daysHeld < 0 {
			daysHeld = 0
		}
		auditRows = append(auditRows, ledger.LotAllocation{
			ID:             uuid.NewString(),
			OutflowType:    outflowType,
			OutflowID:      req.ID,
			LotID:          c.Lot.ID,
			ConsumedUnits:  c.Units,
			ConsumedAmount: c.Amount,
			DaysHeld:       daysHeld,
		})
	}
	if err := s.AppendLotAllocations(ctx, auditRows); err != nil {
		return 0, err
	}

	if err := s.AddCertificateUnits(ctx, source.ID, -unitsOut); err != nil {
		return 0, err
	}
	source.UnitSupply -= unitsOut

	// Destination units are priced pre-money, before the rebuy below.
	destPrice, err := ledger.UnitPrice(ctx, s, dest)
	if err != nil {
		return 0, err
	}
	totalDestUnits := amount / destPrice

	totalConsumedUnits := 0.0
	for _, c := range consumed {
		totalConsumedUnits += c.Units
	}
	for _, c := range consumed {
		fraction := 1.0 / float64(max(1, len(consumed)))
		if totalConsumedUnits > ledger.EpsilonDust {
			fraction = c.Units / totalConsumedUnits
		}
		destUnits := totalDestUnits * fraction

		if _, err := s.AddLot(ctx, &ledger.Lot{
			CertificateID:   dest.ID,
			Date:            c.Lot.Date,
			Source:          destSource,
			Gross:           c.Amount,
			Net:             c.Amount,
			RemainingAmount: c.Amount,
			UnitsTotal:      destUnits,
			UnitsRemaining:  destUnits,
			IssuePrice:      destPrice,
		}); err != nil {
			return 0, err
		}
	}
	if err := s.AddCertificateUnits(ctx, dest.ID, totalDestUnits); err != nil {
		return 0, err
	}
	dest.UnitSupply += totalDestUnits

	if source.PlanType == ledger.PlanVGBL && sourceValue > 0 {
		premiumMove := amount * (premiumBefore / sourceValue)
		if err := s.AddPremiumRemaining(ctx, source.ID, -premiumMove); err != nil {
			return 0, err
		}
		if err := s.AddPremiumRemaining(ctx, dest.ID, premiumMove); err != nil {
			return 0, err
		}
		source.PremiumRemaining -= premiumMove
		dest.PremiumRemaining += premiumMove
	}

	if err := buyInto(ctx, s, dest.ID, amount); err != nil {
		return 0, err
	}

	return amount, nil
}

func (e *Engine) executeTransferExternalOut(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.TransferExternalOutDetails, date sim.Date, ml *MonthLog) error {
	cert, err := ownedCertificate(ctx, s, req.CertificateID, req.UserID)
	if err != nil {
		return err
	}

	certValue, err := ledger.TotalValue(ctx, s, cert.ID)
	if err != nil {
		return err
	}
	amount := d.Amount
	if amount > certValue {
		amount = certValue
	}
	if amount <= 0 {
		return fmt.Errorf("transfer-out of %s: %w", FormatBRL(amount), ledger.ErrAmountNotPositive)
	}
	price, err := ledger.UnitPrice(ctx, s, cert)
	if err != nil {
		return err
	}
	premiumBefore := cert.PremiumRemaining

	if err := sellHoldings(ctx, s, cert.ID, amount); err != nil {
		return err
	}

	unitsOut := amount / price
	consumed, err := ledger.ConsumeFIFO(ctx, s, cert.ID, unitsOut)
	if err != nil {
		return err
	}

	var auditRows []ledger.LotAllocation
	for _, c := range consumed {
		daysHeld := sim.DaysBetween(c.Lot.Date, date)
		if daysHeld < 0 {
			daysHeld = 0
		}
		auditRows = append(auditRows, ledger.LotAllocation{
			ID:             uuid.NewString(),
			OutflowType:    string(ledger.RequestTransferExternalOut),
			OutflowID:      req.ID,
			LotID:          c.Lot.ID,
			ConsumedUnits:  c.Units,
			ConsumedAmount: c.Amount,
			DaysHeld:       daysHeld,
		})
	}
	if err := s.AppendLotAllocations(ctx, auditRows); err != nil {
		return err
	}

	if err := s.AddCertificateUnits(ctx, cert.ID, -unitsOut); err != nil {
		return err
	}
	cert.UnitSupply -= unitsOut

	if cert.PlanType == ledger.PlanVGBL && certValue > 0 {
		premiumOut := amount * (premiumBefore / certValue)
		if err := s.AddPremiumRemaining(ctx, cert.ID, -premiumOut); err != nil {
			return err
		}
		cert.PremiumRemaining -= premiumOut
	}

	// The money leaves the simulation entirely.
	ml.eventf("External transfer-out: %s from certificate #%d to %s",
		FormatBRL(amount), cert.ID, d.DestinationInstitution)
	return nil
}

func (e *Engine) executeTransferExternalIn(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.TransferExternalInDetails, date sim.Date, ml *MonthLog) error {
	cert, err := ownedCertificate(ctx, s, req.CertificateID, req.UserID)
	if err != nil {
		return err
	}
	if d.Amount <= 0 {
		return fmt.Errorf("transfer-in of %s: %w", FormatBRL(d.Amount), ledger.ErrAmountNotPositive)
	}

	schedule, err := s.PortInSchedule(ctx)
	if err != nil {
		return err
	}
	premiumFraction, err := s.PortInPremiumFraction(ctx)
	if err != nil {
		return err
	}

	// One pre-money price for every tranche: the tranches arrive together,
	// so they must not dilute each other.
	price, err := ledger.UnitPrice(ctx, s, cert)
	if err != nil {
		return err
	}

	var lotDescs []string
	for _, tranche := range schedule {
		trancheAmount := d.Amount * tranche.Pct / 100.0
		if trancheAmount <= 0 {
			continue
		}
		backdated := date.AddYears(-tranche.YearsAgo)

		// The premium fraction models value already carrying embedded
		// gains at the previous institution.
		basis := trancheAmount
		if cert.PlanType == ledger.PlanVGBL {
			basis = trancheAmount * premiumFraction
		}

		if _, err := ledger.IssueLotAt(ctx, s, cert, trancheAmount, trancheAmount, basis,
			backdated, ledger.SourceTransferExternal, price); err != nil {
			return err
		}
		lotDescs = append(lotDescs, fmt.Sprintf("%s dated %s", FormatBRL(trancheAmount), backdated))
	}

	if cert.PlanType == ledger.PlanVGBL {
		premiumIn := d.Amount * premiumFraction
		if err := s.AddPremiumRemaining(ctx, cert.ID, premiumIn); err != nil {
			return err
		}
		cert.PremiumRemaining += premiumIn
	}

	if err := buyInto(ctx, s, cert.ID, d.Amount); err != nil {
		return err
	}

	ml.eventf("External transfer-in: %s to certificate #%d from %s (%d lots: %s)",
		FormatBRL(d.Amount), cert.ID, d.SourceInstitution, len(lotDescs), strings.Join(lotDescs, "; "))
	return nil
}
