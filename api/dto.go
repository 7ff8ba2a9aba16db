/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Portal endpoints using these types
  - admin.go:    Admin endpoints using these types
*/
package api

import (
	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/sim"
)

// =============================================================================
// USERS
// =============================================================================

type UserDTO struct {
	ID            int64   `json:"id"`
	Username      string  `json:"username"`
	Retail        bool    `json:"retail"`
	BrokerageCash float64 `json:"brokerage_cash"`
}

type CreateUserRequest struct {
	Username      string  `json:"username"`
	Retail        bool    `json:"retail"`
	BrokerageCash float64 `json:"brokerage_cash"`
}

type AdjustCashRequest struct {
	Delta float64 `json:"delta"`
}

// =============================================================================
// PLANS & FUNDS
// =============================================================================

type PlanDTO struct {
	ID       int64           `json:"id"`
	Type     ledger.PlanType `json:"plan_type"`
	Name     string          `json:"name"`
	Code     string          `json:"code"`
	FeesInfo string          `json:"fees_info,omitempty"`
}

type FundDTO struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	CNPJ          string    `json:"cnpj,omitempty"`
	QualifiedOnly bool      `json:"qualified_only"`
	InitialNAV    float64   `json:"initial_nav"`
	CurrentNAV    float64   `json:"current_nav"`
	Returns       []float64 `json:"monthly_returns,omitempty"`
}

type CreateFundRequest struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	CNPJ          string    `json:"cnpj"`
	QualifiedOnly bool      `json:"qualified_only"`
	InitialNAV    float64   `json:"initial_nav"`
	Returns       []float64 `json:"monthly_returns"`
}

// =============================================================================
// CERTIFICATES
// =============================================================================

// CertificateDTO is the summary view; TotalValue and UnitPrice are computed
// from live holdings at response time.
type CertificateDTO struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"user_id"`
	PlanID           int64            `json:"plan_id"`
	PlanType         ledger.PlanType  `json:"plan_type"`
	PlanName         string           `json:"plan_name"`
	CreatedDate      sim.Date         `json:"created_date"`
	Phase            ledger.Phase     `json:"phase"`
	TaxRegime        ledger.TaxRegime `json:"tax_regime,omitempty"`
	UnitSupply       float64          `json:"unit_supply"`
	UnitPrice        float64          `json:"unit_price"`
	TotalValue       float64          `json:"total_value"`
	PremiumRemaining float64          `json:"premium_remaining,omitempty"`
	Notes            string           `json:"notes,omitempty"`
}

// CertificateDetailDTO adds positions, lots, and the routing table.
type CertificateDetailDTO struct {
	CertificateDTO
	Holdings    []HoldingDTO         `json:"holdings"`
	Lots        []LotDTO             `json:"lots"`
	Allocations ledger.AllocationSet `json:"target_allocations"`
}

type HoldingDTO struct {
	FundID   int64   `json:"fund_id"`
	FundName string  `json:"fund_name"`
	Units    float64 `json:"units"`
	NAV      float64 `json:"nav"`
	Value    float64 `json:"value"`
}

type LotDTO struct {
	ID              int64            `json:"id"`
	Date            sim.Date         `json:"date"`
	Source          ledger.LotSource `json:"source"`
	Gross           float64          `json:"gross"`
	Net             float64          `json:"net"`
	RemainingAmount float64          `json:"remaining_amount"`
	UnitsTotal      float64          `json:"units_total"`
	UnitsRemaining  float64          `json:"units_remaining"`
	IssuePrice      float64          `json:"issue_price"`
	CurrentValue    float64          `json:"current_value"`

	// Regressive-regime holding-period info, as of the simulation date.
	// Omitted for progressive certificates; NextRate fields are omitted once
	// the lot reaches the terminal bracket.
	RegressiveRate *float64 `json:"regressive_rate,omitempty"`
	NextRate       *float64 `json:"next_rate,omitempty"`
	NextRateDays   *int     `json:"next_rate_days,omitempty"`
}

type CreateCertificateRequest struct {
	UserID int64  `json:"user_id"`
	PlanID int64  `json:"plan_id"`
	Notes  string `json:"notes,omitempty"`

	// Optional initial routing table. When present it must sum to 100;
	// without one the certificate cannot accept contributions until a
	// fund_swap request installs an allocation.
	Allocations ledger.AllocationSet `json:"allocations,omitempty"`
}

// ReconcileResultDTO reports a unit-supply reconciliation. Adjusted is true
// when the cached counter had drifted and was rewritten.
type ReconcileResultDTO struct {
	CertificateID int64   `json:"certificate_id"`
	OldSupply     float64 `json:"old_supply"`
	NewSupply     float64 `json:"new_supply"`
	Adjusted      bool    `json:"adjusted"`
}

// =============================================================================
// REQUEST QUEUE
// =============================================================================

// SubmitRequestDTO is the generic submission envelope: the type tag selects
// which detail fields are read.
type SubmitRequestDTO struct {
	Type          ledger.RequestType `json:"type"`
	CertificateID int64              `json:"certificate_id,omitempty"`

	Amount                 float64              `json:"amount,omitempty"`
	Regime                 ledger.TaxRegime     `json:"tax_regime,omitempty"`
	NewAllocations         ledger.AllocationSet `json:"new_allocations,omitempty"`
	DestinationCertID      int64                `json:"destination_cert_id,omitempty"`
	DestinationInstitution string               `json:"destination_institution,omitempty"`
	SourceInstitution      string               `json:"source_institution,omitempty"`
	SourceCertID           int64                `json:"source_cert_id,omitempty"`
}

type RequestDTO struct {
	ID            int64                `json:"id"`
	UserID        int64                `json:"user_id"`
	CertificateID int64                `json:"certificate_id,omitempty"`
	Type          ledger.RequestType   `json:"type"`
	Status        ledger.RequestStatus `json:"status"`
	Details       ledger.RequestDetails `json:"details,omitempty"`
	CreatedDate   sim.Date             `json:"created_date"`
	CompletedDate *sim.Date            `json:"completed_date,omitempty"`
	FailedReason  string               `json:"failed_reason,omitempty"`
	RejectReason  string               `json:"reject_reason,omitempty"`
}

type RejectRequestDTO struct {
	Reason string `json:"reason"`
}

// CancelRequestDTO identifies the caller on a cancel. The request must
// belong to this user.
type CancelRequestDTO struct {
	UserID int64 `json:"user_id"`
}

// =============================================================================
// WITHDRAWALS & EVOLUTION
// =============================================================================

type WithdrawalDTO struct {
	ID            int64    `json:"id"`
	CertificateID int64    `json:"certificate_id"`
	Gross         float64  `json:"gross"`
	TaxWithheld   float64  `json:"tax_withheld"`
	Net           float64  `json:"net"`
	Date          sim.Date `json:"date"`
}

type EvolveRequest struct {
	Steps int `json:"steps"`
}

type EvolveResponse struct {
	Clock  sim.Clock  `json:"clock"`
	Months []MonthDTO `json:"months"`
}

type MonthDTO struct {
	Month  int      `json:"month"`
	Date   sim.Date `json:"date"`
	Events []string `json:"events"`
}

// =============================================================================
// TAX CONFIGURATION
// =============================================================================

type IOFDeclarationRequest struct {
	Year   int     `json:"year"`
	Amount float64 `json:"amount"`
}

type PortInConfigDTO struct {
	Schedule        []ledger.PortInTranche `json:"schedule"`
	PremiumFraction float64                `json:"premium_fraction"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
