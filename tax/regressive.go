/*
Package tax implements the withdrawal tax computations: the regressive
calendar-year bracket schedule, the progressive flat-withholding regime,
the VGBL earnings-ratio derivation, and the IOF excise rule for annual
contribution volume.

PURPOSE:
  Two orthogonal axes drive every withdrawal tax: the certificate's REGIME
  (regressive vs progressive, chosen once, irrevocable) and its PLAN TYPE
  (PGBL taxes the full redeemed value, VGBL only the earnings share).

CALENDAR-EXACT BRACKETS:
  Regressive brackets are keyed by whole CALENDAR YEARS from the lot date,
  not day counts: each boundary is the lot date plus 2/4/6/8/10 years,
  leap-adjusted by normalization (a Feb 29 lot gets a Mar 1 boundary in
  non-leap years). The boundary date itself still belongs to the
  higher-rate bracket; the drop happens the following day.

RATES AND TABLES ARE CONFIGURATION:
  The bracket values model the Brazilian schedule (Lei 11.053 for the
  regressive path, monthly IRPF table for the progressive estimate) but
  make no claim of legal completeness.

SEE ALSO:
  - progressive.go: flat withholding + advisory bracket estimate
  - iof.go:         excise-over-threshold differencing rule
  - estimate.go:    pre-withdrawal preview over the ledger store
*/
package tax

import (
	"github.com/shopspring/decimal"

	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// =============================================================================
// REGRESSIVE SCHEDULE - rate decreases with holding time
// =============================================================================

// regressiveBracket is one step of the schedule: the rate applies while the
// holding period has not passed the Years boundary.
type regressiveBracket struct {
	Years int
	Rate  float64
}

var regressiveBrackets = []regressiveBracket{
	{2, 0.35},
	{4, 0.30},
	{6, 0.25},
	{8, 0.20},
	{10, 0.15},
}

// TerminalRegressiveRate applies beyond the last boundary.
const TerminalRegressiveRate = 0.10

// RegressiveRate returns the regressive tax rate for a lot created on
// lotDate and redeemed on asOf. Boundaries are inclusive on the upper side:
// exactly N calendar years after the lot date is still the higher rate.
func RegressiveRate(lotDate, asOf sim.Date) float64 {
	for _, b := range regressiveBrackets {
		boundary := lotDate.AddYears(b.Years)
		if !asOf.After(boundary) {
			return b.Rate
		}
	}
	return TerminalRegressiveRate
}

// BracketDrop describes the next rate decrease ahead of a lot.
type BracketDrop struct {
	NextRate  float64
	DaysUntil int
}

// NextBracketDrop returns the next lower rate a lot will reach and the days
// until it applies, or nil once the lot sits in the terminal 10% bracket.
// The drop applies the day after the calendar-year boundary.
func NextBracketDrop(lotDate, asOf sim.Date) *BracketDrop {
	for i, b := range regressiveBrackets {
		boundary := lotDate.AddYears(b.Years)
		if asOf.After(boundary) {
			continue
		}
		next := TerminalRegressiveRate
		if i+1 < len(regressiveBrackets) {
			next = regressiveBrackets[i+1].Rate
		}
		return &BracketDrop{
			NextRate:  next,
			DaysUntil: sim.DaysBetween(asOf, boundary) + 1,
		}
	}
	return nil
}

// =============================================================================
// VGBL EARNINGS RATIO
// =============================================================================

// EarningsRatio returns the certificate-level fraction of value that counts
// as taxable earnings for a VGBL plan: 1 - premium/value, floored at zero.
//
// Earnings are a property of the whole pooled certificate, not of any one
// lot's own cost basis: once transfers or port-ins have mixed lots of
// different basis character, only the certificate-level premium counter
// gives the right answer.
func EarningsRatio(premiumRemaining, totalValue float64) float64 {
	if totalValue <= 0 {
		return 0
	}
	ratio := 1 - premiumRemaining/totalValue
	if ratio < 0 {
		return 0
	}
	return ratio
}

// RoundCents rounds a money amount to two decimal places. Recorded tax and
// settlement amounts are stored rounded; the engine's internal arithmetic
// stays float64.
func RoundCents(x float64) float64 {
	return decimal.NewFromFloat(x).Round(2).InexactFloat64()
}

func decimalRound4(x float64) float64 {
	return decimal.NewFromFloat(x).Round(4).InexactFloat64()
}
