/*
lots.go - FIFO lot accounting

The cost-basis ledger: lots are consumed oldest-first by UNITS, and each
lot's remaining cost basis shrinks in proportion to the units taken from
it. Cost basis follows units, not a separate clock, so a partially-consumed
lot always carries basis proportional to what is left of it.

DUST HANDLING:
  Floating-point consumption leaves residue. Whenever either remaining
  counter of a lot drops below EpsilonDust, BOTH are snapped to exactly
  zero together - a lot must never hold positive units with zero basis or
  vice versa.

OVER-CONSUMPTION:
  Asking for more units than the certificate's lots hold (beyond epsilon)
  is a programming defect upstream, not a user error: sells are clamped to
  total value before units are computed. It raises an InvariantError.
*/
package ledger

import (
	"context"

	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// ConsumedLot records one lot's contribution to a FIFO consumption.
// Lot is the pre-consumption snapshot.
type ConsumedLot struct {
	Lot    Lot
	Units  float64 // units taken from this lot
	Amount float64 // cost basis consumed alongside those units
}

// ConsumeFIFO consumes the given number of certificate units from the
// certificate's lots, oldest (date, id) first, and persists the shrunken
// counters. It returns the per-lot consumption slices in order.
//
// The caller is responsible for decrementing the certificate's unit supply
// by the same number of units.
func ConsumeFIFO(ctx context.Context, s Store, certID int64, units float64) ([]ConsumedLot, error) {
	if units <= EpsilonDust {
		return nil, nil
	}

	lots, err := s.Lots(ctx, certID)
	if err != nil {
		return nil, err
	}

	var consumed []ConsumedLot
	need := units

	for _, lot := range lots {
		if need <= EpsilonDust {
			break
		}
		if lot.UnitsRemaining <= EpsilonDust {
			continue
		}

		take := need
		if lot.UnitsRemaining < take {
			take = lot.UnitsRemaining
		}

		// Basis follows units proportionally.
		basisShare := lot.RemainingAmount * (take / lot.UnitsRemaining)
		newUnits := lot.UnitsRemaining - take
		newAmount := lot.RemainingAmount - basisShare

		// Joint epsilon snap: both counters hit exact zero together.
		if newUnits <= EpsilonDust || newAmount <= EpsilonDust {
			basisShare = lot.RemainingAmount
			newUnits = 0
			newAmount = 0
		}

		if err := s.SetLotRemaining(ctx, lot.ID, newAmount, newUnits); err != nil {
			return nil, err
		}

		consumed = append(consumed, ConsumedLot{Lot: lot, Units: take, Amount: basisShare})
		need -= take
	}

	if need > EpsilonSupply {
		return nil, Invariantf("ConsumeFIFO",
			"certificate %d: requested %.9f units but lots were exhausted %.9f units short",
			certID, units, need)
	}

	return consumed, nil
}

// IssueLot prices a new lot at the certificate's CURRENT (pre-money) unit
// price and records it. Basis is the lot's starting cost basis - normally
// equal to net, but external port-ins pass a reduced premium basis.
//
// The certificate's unit supply is incremented both in the store and on the
// in-memory cert, so subsequent reads within the same executor see it.
func IssueLot(ctx context.Context, s Store, cert *Certificate, gross, net, basis float64, date sim.Date, source LotSource) (*Lot, error) {
	price, err := UnitPrice(ctx, s, cert)
	if err != nil {
		return nil, err
	}
	return IssueLotAt(ctx, s, cert, gross, net, basis, date, source, price)
}

// IssueLotAt issues a lot at an explicitly captured unit price. Used when
// several lots must share one pre-money price (port-in tranches).
func IssueLotAt(ctx context.Context, s Store, cert *Certificate, gross, net, basis float64, date sim.Date, source LotSource, price float64) (*Lot, error) {
	if price <= 0 {
		return nil, Invariantf("IssueLot", "certificate %d: non-positive unit price %.9f", cert.ID, price)
	}

	units := net / price
	lot := &Lot{
		CertificateID:   cert.ID,
		Date:            date,
		Source:          source,
		Gross:           gross,
		Net:             net,
		RemainingAmount: basis,
		UnitsTotal:      units,
		UnitsRemaining:  units,
		IssuePrice:      price,
	}

	id, err := s.AddLot(ctx, lot)
	if err != nil {
		return nil, err
	}
	lot.ID = id

	if err := s.AddCertificateUnits(ctx, cert.ID, units); err != nil {
		return nil, err
	}
	cert.UnitSupply += units

	return lot, nil
}

// Reconcile recomputes the certificate's unit supply from its lots and
// rewrites the cached counter when the divergence exceeds epsilon. The
// supply is a denormalized aggregate; any executor bug that lets it drift
// is self-healed here.
func Reconcile(ctx context.Context, s Store, cert *Certificate) (oldSupply, newSupply float64, err error) {
	lots, err := s.Lots(ctx, cert.ID)
	if err != nil {
		return 0, 0, err
	}

	sum := 0.0
	for _, lot := range lots {
		sum += lot.UnitsRemaining
	}

	oldSupply = cert.UnitSupply
	newSupply = sum
	diff := oldSupply - newSupply
	if diff < 0 {
		diff = -diff
	}
	if diff > EpsilonSupply {
		if err := s.SetCertificateUnits(ctx, cert.ID, newSupply); err != nil {
			return oldSupply, newSupply, err
		}
		cert.UnitSupply = newSupply
	}
	return oldSupply, newSupply, nil
}
