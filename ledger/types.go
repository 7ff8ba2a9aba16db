/*
Package ledger defines the data model and store contract for the simulated
retirement-plan accounts, plus the two pure accounting primitives built on
them: certificate valuation and FIFO lot accounting.

PURPOSE:
  Everything the settlement engine reads or writes lives behind the Store
  interface defined here: funds and their NAV series, certificates with
  their unit supply, cost-basis lots, fund holdings, target allocations,
  brokerage cash, the request queue, and the simulation clock.

KEY CONCEPTS:
  - Certificate: one user's account under a plan. Priced through an internal
    unit mechanic: the certificate issues its own "units" whose price is
    total holdings value divided by unit supply, independent of which funds
    it actually holds.
  - Lot: a dated, partially-consumable slice of contributed capital. Lots
    are the unit of FIFO tax aging; they shrink (remaining amount + units)
    and are never edited otherwise.
  - AllocationSet: validated routing table for new money (must sum to 100%).
  - Request: a pending operation drained by the monthly scheduler.

INVARIANTS:
  - certificate.UnitSupply == sum of its lots' UnitsRemaining (within epsilon)
  - lot.UnitsRemaining and lot.RemainingAmount reach zero together
  - live target allocations sum to 100 +/- 0.01 (enforced at write time)

SEE ALSO:
  - lots.go:      FIFO consumption, lot issuance, supply reconciliation
  - valuation.go: total value and unit price
  - store.go:     the persistence contract
  - errors.go:    error taxonomy (user error vs invariant violation)
*/
package ledger

import (
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// =============================================================================
// EPSILON TOLERANCES
// =============================================================================
// The engine runs on float64 by design; these are the shared tolerances.

const (
	// EpsilonDust is the threshold below which residual lot units/amounts
	// and holdings are snapped to exactly zero.
	EpsilonDust = 1e-9

	// EpsilonSupply is the max tolerated drift between a certificate's
	// cached unit supply and the sum of its lots before reconciliation
	// rewrites the cached value.
	EpsilonSupply = 1e-6

	// SellTolerance lets a sell overshoot holdings value by 0.1% before it
	// is treated as insufficient funds.
	SellTolerance = 0.001

	// AllocationTolerance is the +/- band around 100 accepted for the sum
	// of target allocation percentages at write time.
	AllocationTolerance = 0.01
)

// =============================================================================
// USERS
// =============================================================================

type User struct {
	ID       int64
	Username string
	Retail   bool
}

// =============================================================================
// PLANS & FUNDS
// =============================================================================

// PlanType distinguishes the two product types. PGBL contributions are
// tax-deductible so the full withdrawn amount is taxed; VGBL contributions
// are post-tax so only investment earnings are taxed.
type PlanType string

const (
	PlanPGBL PlanType = "PGBL"
	PlanVGBL PlanType = "VGBL"
)

type Plan struct {
	ID       int64
	Type     PlanType
	Name     string
	Code     string
	FeesInfo string
}

// Fund is an investable fund with a NAV that compounds monthly from a
// finite, cyclically repeated return series.
type Fund struct {
	ID            int64
	Name          string
	Description   string
	CNPJ          string
	QualifiedOnly bool
	InitialNAV    float64
	CurrentNAV    float64
}

// =============================================================================
// CERTIFICATES
// =============================================================================

// Phase is a lifecycle marker on the certificate. No executor currently
// transitions it or branches on it; it is preserved as data.
type Phase string

const (
	PhaseAccumulation Phase = "accumulation"
	PhaseSpending     Phase = "spending"
)

// TaxRegime selects the withdrawal tax schedule. It is set at most once per
// certificate and is irrevocable afterwards.
type TaxRegime string

const (
	RegimeUnset       TaxRegime = ""
	RegimeProgressive TaxRegime = "progressive"
	RegimeRegressive  TaxRegime = "regressive"
)

// Certificate is one account instance under a plan. The plan type and name
// are denormalized onto the row by the store (every executor needs them).
type Certificate struct {
	ID          int64
	UserID      int64
	PlanID      int64
	PlanType    PlanType
	PlanName    string
	CreatedDate sim.Date
	Phase       Phase
	TaxRegime   TaxRegime

	// UnitSupply is the cached total of certificate units outstanding.
	// Must equal the sum of lot UnitsRemaining; see Reconcile.
	UnitSupply float64

	// PremiumRemaining tracks the unconsumed cost basis of a VGBL
	// certificate (the portion of value not yet recognized as taxable
	// earnings). Meaningless for PGBL.
	PremiumRemaining float64

	Notes string
}

// =============================================================================
// LOTS
// =============================================================================

// LotSource records how a lot entered the certificate.
type LotSource string

const (
	SourceContribution     LotSource = "contribution"
	SourceTransferInternal LotSource = "transfer_internal"
	SourceTransferExternal LotSource = "transfer_external"
)

// Lot is a dated slice of contributed capital. Gross is the amount before
// any excise withholding, Net the amount actually invested. RemainingAmount
// and UnitsRemaining shrink together under FIFO consumption and hit exactly
// zero together.
type Lot struct {
	ID            int64
	CertificateID int64
	Date          sim.Date
	Source        LotSource

	Gross float64
	Net   float64

	RemainingAmount float64
	UnitsTotal      float64
	UnitsRemaining  float64
	IssuePrice      float64
}

// =============================================================================
// HOLDINGS
// =============================================================================

// Holding is a certificate's position in one fund. NAV and FundName are
// filled by the store from the fund row for convenience.
type Holding struct {
	CertificateID int64
	FundID        int64
	FundName      string
	Units         float64
	NAV           float64
}

// MarketValue is the holding's current value.
func (h Holding) MarketValue() float64 { return h.Units * h.NAV }

// =============================================================================
// WITHDRAWALS (persisted outcome rows)
// =============================================================================

type Withdrawal struct {
	ID            int64
	CertificateID int64
	Gross         float64
	TaxWithheld   float64
	Net           float64
	Date          sim.Date
	TaxDetails    string // JSON breakdown, opaque to the core
}

// =============================================================================
// LOT ALLOCATIONS (write-only audit trail)
// =============================================================================

// LotAllocation is an immutable audit record of one lot's contribution to
// one executed outflow. Written by every outflow executor, never read by
// the core.
type LotAllocation struct {
	ID             string // uuid
	OutflowType    string
	OutflowID      int64
	LotID          int64
	ConsumedUnits  float64
	ConsumedAmount float64
	DaysHeld       int
	TaxRate        float64
	TaxableBase    float64
	TaxAmount      float64
}

// =============================================================================
// CONFIGURATION VALUES (stored, not hard-coded law)
// =============================================================================

// IOFRule is one excise-tax threshold band: contributions in calendar years
// within [YearFrom, YearTo] are taxed at Rate on the portion of annual
// volume above Limit.
type IOFRule struct {
	YearFrom int     `json:"year_from"`
	YearTo   int     `json:"year_to"`
	Limit    float64 `json:"limit"`
	Rate     float64 `json:"rate"`
}

// PortInTranche is one slice of the external port-in backdating schedule.
type PortInTranche struct {
	Pct      float64 `json:"pct"`
	YearsAgo int     `json:"years_ago"`
}
