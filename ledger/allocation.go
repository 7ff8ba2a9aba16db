/*
allocation.go - Validated target-allocation sets

Target allocations are the routing table for every inflow: new money is
split across funds by percentage. The percentages are validated when the
set is written, never when it is read; stored values may drift slightly, so
buys normalize against the actual sum.
*/
package ledger

import "fmt"

// Allocation routes a percentage of new money into one fund.
type Allocation struct {
	FundID int64   `json:"fund_id"`
	Pct    float64 `json:"pct"`
}

// AllocationSet is an ordered list of allocations. A valid set has every
// percentage in (0, 100] and a total of 100 +/- AllocationTolerance.
type AllocationSet []Allocation

// Validate enforces the write-time invariant. Violations are invariant
// errors, not user errors: callers are expected to have validated user
// input before constructing a set.
func (as AllocationSet) Validate() error {
	if len(as) == 0 {
		return Invariantf("AllocationSet.Validate", "empty allocation set")
	}
	sum := 0.0
	for _, a := range as {
		if a.Pct <= 0 || a.Pct > 100 {
			return Invariantf("AllocationSet.Validate",
				"fund %d percentage %.4f outside (0, 100]", a.FundID, a.Pct)
		}
		sum += a.Pct
	}
	if diff := sum - 100; diff > AllocationTolerance || diff < -AllocationTolerance {
		return Invariantf("AllocationSet.Validate",
			"allocation percentages sum to %.4f, want 100 +/- %.2f", sum, AllocationTolerance)
	}
	return nil
}

// Fractions returns per-fund fractions normalized so they sum to exactly 1,
// tolerating small drift in the stored percentages.
func (as AllocationSet) Fractions() (map[int64]float64, error) {
	sum := 0.0
	for _, a := range as {
		sum += a.Pct
	}
	if sum <= 0 {
		return nil, fmt.Errorf("allocation set sums to %.4f", sum)
	}
	out := make(map[int64]float64, len(as))
	for _, a := range as {
		out[a.FundID] += a.Pct / sum
	}
	return out, nil
}
