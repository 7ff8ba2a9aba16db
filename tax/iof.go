/*
iof.go - Excise tax (IOF) on annual VGBL contribution volume

A threshold-triggered tax: only the portion of a year's cumulative direct
contributions above the configured limit is taxed, no matter how many
separate contributions cross it. The user may declare contributions made at
other issuers; those count toward the threshold but are never taxed here.
*/
package tax

// Excise returns the excise tax owed on a new contribution, given the
// period's existing taxed-base total (this issuer's direct contributions in
// the calendar year), the user-declared external total, the new amount, and
// the configured threshold and rate.
//
// The differencing form taxes exactly the portion of the new amount that
// crosses the threshold:
//
//	tax = rate * (max(0, before+new-threshold) - max(0, before-threshold))
func Excise(existingPeriodTotal, declaredExternalTotal, newAmount, threshold, rate float64) float64 {
	if newAmount <= 0 || rate <= 0 {
		return 0
	}
	before := existingPeriodTotal + declaredExternalTotal
	after := before + newAmount

	excessBefore := before - threshold
	if excessBefore < 0 {
		excessBefore = 0
	}
	excessAfter := after - threshold
	if excessAfter < 0 {
		excessAfter = 0
	}
	return RoundCents((excessAfter - excessBefore) * rate)
}
