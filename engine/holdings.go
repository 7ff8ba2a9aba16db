/*
holdings.go - Proportional sells and allocation-routed buys

The two primitives every value movement is built from. Both deal in
fractional fund units and leave no cash residual inside a certificate.
*/
package engine

import (
	"context"
	"fmt"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
)

// sellHoldings raises amount by selling every holding proportionally.
// A sell may overshoot the holdings value by SellTolerance before it is
// rejected as insufficient.
func sellHoldings(ctx context.Context, s ledger.Store, certID int64, amount float64) error {
	holdings, err := s.Holdings(ctx, certID)
	if err != nil {
		return err
	}

	totalValue := 0.0
	for _, h := range holdings {
		totalValue += h.MarketValue()
	}

	if totalValue <= 0 || amount > totalValue*(1+ledger.SellTolerance) {
		return fmt.Errorf("certificate %d: need %s, holdings worth %s: %w",
			certID, FormatBRL(amount), FormatBRL(totalValue), ledger.ErrInsufficientValue)
	}

	fraction := amount / totalValue
	if fraction > 1 {
		fraction = 1
	}

	for _, h := range holdings {
		if h.Units <= ledger.EpsilonDust {
			continue
		}
		if err := s.SetHolding(ctx, certID, h.FundID, h.Units*(1-fraction)); err != nil {
			return err
		}
	}
	return nil
}

// buyInto routes amount into the certificate's funds per its target
// allocation. Inflows into a certificate with no allocation are rejected
// rather than silently dropped.
func buyInto(ctx context.Context, s ledger.Store, certID int64, amount float64) error {
	allocs, err := s.TargetAllocations(ctx, certID)
	if err != nil {
		return err
	}
	if len(allocs) == 0 {
		return fmt.Errorf("certificate %d: %w", certID, ledger.ErrNoTargetAllocation)
	}

	fractions, err := allocs.Fractions()
	if err != nil {
		return err
	}

	holdings, err := s.Holdings(ctx, certID)
	if err != nil {
		return err
	}
	existing := make(map[int64]float64, len(holdings))
	for _, h := range holdings {
		existing[h.FundID] = h.Units
	}

	for fundID, frac := range fractions {
		fund, err := s.Fund(ctx, fundID)
		if err != nil {
			return err
		}
		if fund == nil || fund.CurrentNAV <= 0 {
			continue
		}
		units := amount * frac / fund.CurrentNAV
		if err := s.SetHolding(ctx, certID, fundID, existing[fundID]+units); err != nil {
			return err
		}
	}
	return nil
}
