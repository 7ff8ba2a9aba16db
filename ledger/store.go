/*
store.go - Persistence contract between the engine and the database

PURPOSE:
  The engine consumes the store as an abstract row store; schema and SQL
  live in store/sqlite. The interface mirrors the data-access operations
  the executors need, nothing more.

ATOMICITY:
  The unit of atomicity is one request. The scheduler wraps each executor
  in WithTx; a mid-execution error rolls back every mutation that executor
  made while leaving the rest of the monthly batch untouched. Executors
  therefore never manage transactions themselves - they receive the scoped
  Store and mutate through it.

MUTABILITY CONTRACT:
  Lots are append-mostly: created once, then only their two remaining
  counters decrease (SetLotRemaining); they are deleted only by certificate
  cascade. Lot-allocation audit rows are write-only. Requests only move
  pending -> terminal.

SEE ALSO:
  - store/sqlite/store.go: the SQLite implementation
  - engine/evolve.go:      the only caller of WithTx
*/
package ledger

import (
	"context"

	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// RequestFilter narrows request listings. Zero values mean "any".
type RequestFilter struct {
	UserID        int64
	CertificateID int64
	Status        RequestStatus
	Type          RequestType
}

// Store is the full persistence contract. The SQLite implementation also
// provides WithTx-scoped instances satisfying this same interface.
type Store interface {
	// --- Users & brokerage cash ---
	CreateUser(ctx context.Context, username string, retail bool) (int64, error)
	User(ctx context.Context, id int64) (*User, error)
	Users(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id int64) error
	BrokerageCash(ctx context.Context, userID int64) (float64, error)
	SetBrokerageCash(ctx context.Context, userID int64, amount float64) error
	AddBrokerageCash(ctx context.Context, userID int64, delta float64) error

	// --- Plans ---
	CreatePlan(ctx context.Context, p Plan) (int64, error)
	Plan(ctx context.Context, id int64) (*Plan, error)
	Plans(ctx context.Context) ([]Plan, error)

	// --- Funds ---
	CreateFund(ctx context.Context, f Fund) (int64, error)
	Fund(ctx context.Context, id int64) (*Fund, error)
	Funds(ctx context.Context) ([]Fund, error)
	SetFundNAV(ctx context.Context, id int64, nav float64) error
	FundReturns(ctx context.Context, fundID int64) ([]float64, error)
	SetFundReturns(ctx context.Context, fundID int64, returns []float64) error

	// --- Certificates ---
	CreateCertificate(ctx context.Context, userID, planID int64, created sim.Date, notes string) (int64, error)
	Certificate(ctx context.Context, id int64) (*Certificate, error)
	Certificates(ctx context.Context, userID int64) ([]Certificate, error)
	// DeleteCertificate cascades lots, holdings, allocations, withdrawals,
	// requests, and audit rows. Admin-only.
	DeleteCertificate(ctx context.Context, id int64) error
	SetTaxRegime(ctx context.Context, id int64, regime TaxRegime) error
	SetPhase(ctx context.Context, id int64, phase Phase) error
	AddCertificateUnits(ctx context.Context, id int64, delta float64) error
	SetCertificateUnits(ctx context.Context, id int64, units float64) error
	AddPremiumRemaining(ctx context.Context, id int64, delta float64) error

	// --- Lots ---
	AddLot(ctx context.Context, lot *Lot) (int64, error)
	// Lots returns the certificate's lots ordered by (date, id) ascending,
	// the FIFO consumption order.
	Lots(ctx context.Context, certID int64) ([]Lot, error)
	SetLotRemaining(ctx context.Context, lotID int64, remainingAmount, unitsRemaining float64) error

	// --- Holdings ---
	Holdings(ctx context.Context, certID int64) ([]Holding, error)
	// SetHolding upserts; units at or below EpsilonDust delete the row.
	SetHolding(ctx context.Context, certID, fundID int64, units float64) error

	// --- Target allocations ---
	TargetAllocations(ctx context.Context, certID int64) (AllocationSet, error)
	// SetTargetAllocations validates the set (sum 100 +/- tolerance) and
	// replaces the certificate's routing table.
	SetTargetAllocations(ctx context.Context, certID int64, as AllocationSet) error

	// --- Requests ---
	CreateRequest(ctx context.Context, userID, certID int64, details RequestDetails, created sim.Date) (int64, error)
	Request(ctx context.Context, id int64) (*Request, error)
	Requests(ctx context.Context, f RequestFilter) ([]Request, error)
	// PendingRequests returns all pending requests in (created_date, id)
	// order - the global drain order of the monthly batch.
	PendingRequests(ctx context.Context) ([]Request, error)
	CompleteRequest(ctx context.Context, id int64, completed sim.Date) error
	FailRequest(ctx context.Context, id int64, reason string) error
	RejectRequest(ctx context.Context, id int64, reason string) error
	CancelRequest(ctx context.Context, id int64) error

	// --- Withdrawals & audit ---
	AddWithdrawal(ctx context.Context, w *Withdrawal) (int64, error)
	Withdrawals(ctx context.Context, certID int64) ([]Withdrawal, error)
	AppendLotAllocations(ctx context.Context, rows []LotAllocation) error

	// --- Simulation clock ---
	Clock(ctx context.Context) (sim.Clock, error)
	SetClock(ctx context.Context, c sim.Clock) error

	// --- Configuration ---
	IOFRule(ctx context.Context, year int) (IOFRule, error)
	SetIOFRules(ctx context.Context, rules []IOFRule) error
	IOFDeclaration(ctx context.Context, userID int64, year int) (float64, error)
	SetIOFDeclaration(ctx context.Context, userID int64, year int, amount float64) error
	PortInSchedule(ctx context.Context) ([]PortInTranche, error)
	SetPortInSchedule(ctx context.Context, schedule []PortInTranche) error
	PortInPremiumFraction(ctx context.Context) (float64, error)
	SetPortInPremiumFraction(ctx context.Context, fraction float64) error

	// YearVGBLContributions sums the user's direct VGBL contribution lots
	// (source kind contribution only; transfers and port-ins are excluded
	// from the excise base) dated within the calendar year.
	YearVGBLContributions(ctx context.Context, userID int64, year int) (float64, error)

	// WithTx runs fn within a savepoint scope: if fn returns an error every
	// mutation made through the scoped Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
