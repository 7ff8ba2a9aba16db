/*
errors.go - Error taxonomy for the settlement engine

Three classes, handled very differently by the scheduler:

 1. User input errors: the request was bad (non-positive amount, missing
    allocation, regime mismatch...). The request is marked failed with the
    error text as the reason; the rest of the batch proceeds.
 2. Invariant violations: a defect, not a user error (FIFO over-consumption,
    allocation sum broken at write time). Raised as *InvariantError so
    callers can alert instead of silently failing the request.
 3. Collaborator errors (store unavailable): fatal to the whole batch,
    propagated as-is.

Use errors.Is with the sentinels; wrap with fmt.Errorf("%w") for context.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// USER INPUT ERRORS - request marked failed, batch continues
// =============================================================================

var (
	// ErrCertificateNotFound is returned when a request references a
	// certificate that does not exist (or was deleted).
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrOwnershipMismatch is returned when a request's user does not own
	// the certificate it targets. Re-checked inside every executor as a
	// defense against corrupted request rows.
	ErrOwnershipMismatch = errors.New("certificate does not belong to requesting user")

	// ErrAmountNotPositive rejects zero and negative operation amounts.
	ErrAmountNotPositive = errors.New("amount must be positive")

	// ErrNoTargetAllocation is returned when money would be invested into a
	// certificate with no target allocation to route it.
	ErrNoTargetAllocation = errors.New("certificate has no target allocation")

	// ErrInsufficientValue is returned when an outflow exceeds the
	// certificate's holdings value beyond the sell tolerance.
	ErrInsufficientValue = errors.New("insufficient holdings value")

	// ErrInsufficientCash is returned when a contribution or brokerage
	// withdrawal exceeds the user's brokerage cash.
	ErrInsufficientCash = errors.New("insufficient brokerage cash")

	// ErrPlanTypeMismatch rejects transfers between PGBL and VGBL.
	ErrPlanTypeMismatch = errors.New("plan types do not match")

	// ErrRegimeMismatch rejects transfers between certificates with
	// different, already-chosen tax regimes.
	ErrRegimeMismatch = errors.New("tax regimes do not match")

	// ErrRegimeAlreadySet rejects changing an irrevocable tax regime.
	ErrRegimeAlreadySet = errors.New("tax regime already set")

	// ErrExciseConsumesContribution is returned when the excise tax on a
	// contribution would consume the whole amount.
	ErrExciseConsumesContribution = errors.New("excise tax consumes entire contribution")

	// ErrRequestNotPending is returned on a lifecycle transition from a
	// terminal status.
	ErrRequestNotPending = errors.New("request is not pending")
)

// =============================================================================
// INVARIANT VIOLATIONS - defects, never silently swallowed
// =============================================================================

// ErrInvariant is the sentinel all invariant violations unwrap to.
var ErrInvariant = errors.New("invariant violation")

// InvariantError reports a broken internal invariant. These indicate bugs in
// the engine, not bad user input, and must be surfaced distinctly.
type InvariantError struct {
	Op     string // operation that detected the violation
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariant }

// Invariantf builds an *InvariantError.
func Invariantf(op, format string, args ...any) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err belongs to the user-input class (the
// request should be marked failed rather than aborting the batch).
func IsUserError(err error) bool {
	for _, sentinel := range []error{
		ErrCertificateNotFound,
		ErrOwnershipMismatch,
		ErrAmountNotPositive,
		ErrNoTargetAllocation,
		ErrInsufficientValue,
		ErrInsufficientCash,
		ErrPlanTypeMismatch,
		ErrRegimeMismatch,
		ErrRegimeAlreadySet,
		ErrExciseConsumesContribution,
		ErrRequestNotPending,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
