/*
progressive.go - Progressive regime: flat withholding + advisory estimate

Under the progressive regime a flat 15% is withheld at source on the
taxable base, as an advance on the user's annual return. The marginal
bracket table only produces an ILLUSTRATIVE final-tax figure; the 15% is
always what the engine actually withholds.
*/
package tax

import "math"

// ProgressiveWithholdingRate is the flat rate withheld at source.
const ProgressiveWithholdingRate = 0.15

// progressiveBracket is one row of the monthly marginal table: rate applies
// up to UpTo, with a linear deduction.
type progressiveBracket struct {
	UpTo      float64
	Rate      float64
	Deduction float64
}

// Monthly IRPF table (2026 values; configuration, not hard-coded law).
var progressiveBrackets = []progressiveBracket{
	{2259.20, 0.0, 0.0},
	{2826.65, 0.075, 169.44},
	{3751.05, 0.15, 381.44},
	{4664.68, 0.225, 662.77},
	{math.Inf(1), 0.275, 896.00},
}

// ProgressiveWithholding returns the amount actually withheld at source for
// a given taxable base.
func ProgressiveWithholding(taxableBase float64) float64 {
	if taxableBase <= 0 {
		return 0
	}
	return taxableBase * ProgressiveWithholdingRate
}

// ProgressiveEstimate returns the advisory final tax from the marginal
// bracket table, floored at zero.
func ProgressiveEstimate(taxableBase float64) float64 {
	if taxableBase <= 0 {
		return 0
	}
	for _, b := range progressiveBrackets {
		if taxableBase <= b.UpTo {
			est := taxableBase*b.Rate - b.Deduction
			if est < 0 {
				return 0
			}
			return est
		}
	}
	return 0
}
