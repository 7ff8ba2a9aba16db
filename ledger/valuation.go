/*
valuation.go - Certificate valuation

A certificate's value is the sum of its fund holdings at current NAV. Its
unit price pools that multi-fund value into a single per-certificate NAV:
price = value / unit supply. An empty certificate bootstraps at 1.0, the
price at which its first lot is issued.

The indirection is what makes FIFO-by-units economically correct: lots
issued at different times carry different shares of the pooled value, so
consuming the oldest units consumes the oldest capital at today's price
regardless of which funds the certificate holds now.

Both functions are pure reads.
*/
package ledger

import "context"

// TotalValue returns the certificate's current market value: the sum over
// its holdings of units x fund NAV. Zero with no holdings.
func TotalValue(ctx context.Context, s Store, certID int64) (float64, error) {
	holdings, err := s.Holdings(ctx, certID)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, h := range holdings {
		total += h.MarketValue()
	}
	return total, nil
}

// UnitPrice returns the certificate's unit price: total value divided by
// unit supply, or the 1.0 bootstrap price when the supply is (near) zero.
//
// Every executor must capture this BEFORE mutating holdings; pricing after
// a sell would value lots at a post-sale NAV and corrupt the downstream
// tax computation.
func UnitPrice(ctx context.Context, s Store, cert *Certificate) (float64, error) {
	if cert.UnitSupply <= EpsilonDust {
		return 1.0, nil
	}
	total, err := TotalValue(ctx, s, cert.ID)
	if err != nil {
		return 0, err
	}
	return total / cert.UnitSupply, nil
}
