/*
swap.go - Fund swap executor

A swap liquidates every holding and rebuys per the new allocation in one
step. It never touches lots, unit supply, or premium: moving value between
funds inside one certificate is tax-neutral, so total value, unit price,
and the whole cost-basis ledger come out unchanged.
*/
package engine

import (
	"context"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

func (e *Engine) executeFundSwap(ctx context.Context, s ledger.Store, req *ledger.Request, d ledger.FundSwapDetails, date sim.Date, ml *MonthLog) error {
	cert, err := ownedCertificate(ctx, s, req.CertificateID, req.UserID)
	if err != nil {
		return err
	}

	// Replace the routing table first: validation failures must abort
	// before any holding is sold.
	if err := s.SetTargetAllocations(ctx, cert.ID, d.NewAllocations); err != nil {
		return err
	}

	holdings, err := s.Holdings(ctx, cert.ID)
	if err != nil {
		return err
	}

	totalCash := 0.0
	for _, h := range holdings {
		totalCash += h.MarketValue()
		if err := s.SetHolding(ctx, cert.ID, h.FundID, 0); err != nil {
			return err
		}
	}

	if totalCash > 0 {
		if err := buyInto(ctx, s, cert.ID, totalCash); err != nil {
			return err
		}
	}

	ml.eventf("Fund swap completed for certificate #%d (%s reallocated, 100%% invested)",
		cert.ID, FormatBRL(totalCash))
	return nil
}
