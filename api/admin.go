/*
admin.go - Back-office and simulation-control endpoints

PURPOSE:
  The operations an institution back office performs: user and catalog
  management, cash adjustments, request rejection, tax-rule configuration,
  and advancing the simulation clock.

ENDPOINTS:
  POST   /api/admin/users                         Create user
  DELETE /api/admin/users/{id}                    Delete user (cascades)
  POST   /api/admin/users/{id}/cash               Adjust brokerage cash
  POST   /api/admin/users/{id}/certificates       Open a certificate
  DELETE /api/admin/certificates/{id}             Delete certificate (cascades)
  POST   /api/admin/certificates/{id}/reconcile   Heal the unit-supply counter
  POST   /api/admin/plans                         Create plan
  POST   /api/admin/funds                         Create fund with returns
  GET    /api/admin/requests                      All requests (?status=)
  POST   /api/admin/requests/{id}/reject          Reject a pending request
  GET    /api/admin/iof-rules                     Excise threshold bands
  PUT    /api/admin/iof-rules                     Replace threshold bands
  GET    /api/admin/port-in                       Port-in backdating config
  PUT    /api/admin/port-in                       Replace port-in config
  POST   /api/admin/evolve                        Advance the clock N months
  POST   /api/admin/seed                          Load the demo dataset

EVOLUTION:
  POST /api/admin/evolve is the only way time moves. The response carries
  the per-month event log so the UI can show what each step did.

SEE ALSO:
  - handlers.go:      Portal endpoints
  - engine/evolve.go: The monthly scheduler behind /evolve
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/seed"
)

// =============================================================================
// USER MANAGEMENT
// =============================================================================

// CreateUser creates a user, optionally with starting brokerage cash.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required", nil)
		return
	}

	id, err := h.Store.CreateUser(ctx, body.Username, body.Retail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user", err)
		return
	}
	if body.BrokerageCash > 0 {
		if err := h.Store.SetBrokerageCash(ctx, id, body.BrokerageCash); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to set brokerage cash", err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, UserDTO{
		ID: id, Username: body.Username, Retail: body.Retail, BrokerageCash: body.BrokerageCash,
	})
}

// DeleteUser removes a user and everything hanging off it.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.Store.DeleteUser(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// AdjustCash applies a signed delta to the user's brokerage cash. The
// balance may not go negative.
func (h *Handler) AdjustCash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body AdjustCashRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cash, err := h.Store.BrokerageCash(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load brokerage cash", err)
		return
	}
	if cash+body.Delta < 0 {
		writeError(w, http.StatusBadRequest, "Adjustment would make balance negative", nil)
		return
	}

	if err := h.Store.AddBrokerageCash(ctx, id, body.Delta); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to adjust cash", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"brokerage_cash": cash + body.Delta})
}

// =============================================================================
// CERTIFICATE MANAGEMENT
// =============================================================================

// CreateCertificate opens a certificate for the user under the given plan,
// dated at the current simulation date.
func (h *Handler) CreateCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body CreateCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	plan, err := h.Store.Plan(ctx, body.PlanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get plan", err)
		return
	}
	if plan == nil {
		writeError(w, http.StatusNotFound, "Plan not found", nil)
		return
	}

	if len(body.Allocations) > 0 {
		if err := body.Allocations.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid allocations", err)
			return
		}
		for _, a := range body.Allocations {
			fund, err := h.Store.Fund(ctx, a.FundID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Failed to get fund", err)
				return
			}
			if fund == nil {
				writeError(w, http.StatusBadRequest, "Unknown fund in allocations", nil)
				return
			}
		}
	}

	clock, err := h.Store.Clock(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read clock", err)
		return
	}

	id, err := h.Store.CreateCertificate(ctx, userID, body.PlanID, clock.Date, body.Notes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create certificate", err)
		return
	}
	if len(body.Allocations) > 0 {
		if err := h.Store.SetTargetAllocations(ctx, id, body.Allocations); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to set allocations", err)
			return
		}
	}

	cert, err := h.Store.Certificate(ctx, id)
	if err != nil || cert == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load certificate", err)
		return
	}
	dto, err := h.certificateDTO(r, cert)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to value certificate", err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// ReconcileCertificate recomputes the certificate's unit supply from its
// lots and rewrites the cached counter if it drifted. Safe to run anytime;
// a no-op on a healthy certificate.
func (h *Handler) ReconcileCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	cert, err := h.Store.Certificate(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get certificate", err)
		return
	}
	if cert == nil {
		writeError(w, http.StatusNotFound, "Certificate not found", nil)
		return
	}

	oldSupply, newSupply, err := ledger.Reconcile(ctx, h.Store, cert)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reconcile certificate", err)
		return
	}

	writeJSON(w, http.StatusOK, ReconcileResultDTO{
		CertificateID: id,
		OldSupply:     oldSupply,
		NewSupply:     newSupply,
		Adjusted:      !withinSupplyEpsilon(oldSupply, newSupply),
	})
}

func withinSupplyEpsilon(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= ledger.EpsilonSupply
}

// DeleteCertificate removes a certificate with its lots, holdings,
// allocations, requests, and audit rows.
func (h *Handler) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.Store.DeleteCertificate(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete certificate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// =============================================================================
// CATALOG MANAGEMENT
// =============================================================================

// CreatePlan adds a plan to the catalog.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var body PlanDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.Type != ledger.PlanPGBL && body.Type != ledger.PlanVGBL {
		writeError(w, http.StatusBadRequest, "plan_type must be PGBL or VGBL", nil)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	id, err := h.Store.CreatePlan(r.Context(), ledger.Plan{
		Type: body.Type, Name: body.Name, Code: body.Code, FeesInfo: body.FeesInfo,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create plan", err)
		return
	}
	body.ID = id
	writeJSON(w, http.StatusCreated, body)
}

// CreateFund adds a fund with its monthly return series.
func (h *Handler) CreateFund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body CreateFundRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if body.InitialNAV <= 0 {
		writeError(w, http.StatusBadRequest, "initial_nav must be positive", nil)
		return
	}
	if len(body.Returns) == 0 {
		writeError(w, http.StatusBadRequest, "monthly_returns must not be empty", nil)
		return
	}

	id, err := h.Store.CreateFund(ctx, ledger.Fund{
		Name:          body.Name,
		Description:   body.Description,
		CNPJ:          body.CNPJ,
		QualifiedOnly: body.QualifiedOnly,
		InitialNAV:    body.InitialNAV,
		CurrentNAV:    body.InitialNAV,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create fund", err)
		return
	}
	if err := h.Store.SetFundReturns(ctx, id, body.Returns); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save returns", err)
		return
	}

	f, err := h.Store.Fund(ctx, id)
	if err != nil || f == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load fund", err)
		return
	}
	writeJSON(w, http.StatusCreated, fundDTO(f, body.Returns))
}

// =============================================================================
// REQUEST OVERSIGHT
// =============================================================================

// ListRequests returns all requests, optionally filtered by ?status= and
// ?type=.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.Store.Requests(r.Context(), ledger.RequestFilter{
		Status: ledger.RequestStatus(r.URL.Query().Get("status")),
		Type:   ledger.RequestType(r.URL.Query().Get("type")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, requestDTOs(requests))
}

// RejectRequest rejects a pending request with a reason.
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body RejectRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	if err := h.Store.RejectRequest(r.Context(), id, body.Reason); err != nil {
		if errors.Is(err, ledger.ErrRequestNotPending) {
			writeError(w, http.StatusConflict, "Request is no longer pending", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reject request", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// =============================================================================
// TAX CONFIGURATION
// =============================================================================

// GetIOFRules returns the excise threshold bands.
func (h *Handler) GetIOFRules(w http.ResponseWriter, r *http.Request) {
	// Rules are year-banded; expose the bands covering the near horizon.
	clock, err := h.Store.Clock(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read clock", err)
		return
	}

	rules := make([]ledger.IOFRule, 0, 2)
	seen := map[int]bool{}
	for _, year := range []int{clock.Date.Year() - 1, clock.Date.Year(), clock.Date.Year() + 1} {
		rule, err := h.Store.IOFRule(r.Context(), year)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load rules", err)
			return
		}
		if rule.Rate > 0 && !seen[rule.YearFrom] {
			seen[rule.YearFrom] = true
			rules = append(rules, rule)
		}
	}
	writeJSON(w, http.StatusOK, rules)
}

// SetIOFRules replaces the excise threshold bands.
func (h *Handler) SetIOFRules(w http.ResponseWriter, r *http.Request) {
	var rules []ledger.IOFRule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	for _, rule := range rules {
		if rule.YearFrom > rule.YearTo || rule.Limit < 0 || rule.Rate < 0 || rule.Rate > 1 {
			writeError(w, http.StatusBadRequest, "Invalid rule band", nil)
			return
		}
	}

	if err := h.Store.SetIOFRules(r.Context(), rules); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rules", err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// GetPortInConfig returns the port-in backdating schedule and premium
// fraction.
func (h *Handler) GetPortInConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	schedule, err := h.Store.PortInSchedule(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load schedule", err)
		return
	}
	fraction, err := h.Store.PortInPremiumFraction(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load premium fraction", err)
		return
	}
	writeJSON(w, http.StatusOK, PortInConfigDTO{Schedule: schedule, PremiumFraction: fraction})
}

// SetPortInConfig replaces the port-in backdating schedule and premium
// fraction. Tranche percentages must sum to 100.
func (h *Handler) SetPortInConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body PortInConfigDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	sum := 0.0
	for _, t := range body.Schedule {
		if t.Pct <= 0 || t.YearsAgo < 0 {
			writeError(w, http.StatusBadRequest, "Invalid tranche", nil)
			return
		}
		sum += t.Pct
	}
	if len(body.Schedule) == 0 || sum < 99.99 || sum > 100.01 {
		writeError(w, http.StatusBadRequest, "Tranche percentages must sum to 100", nil)
		return
	}
	if body.PremiumFraction <= 0 || body.PremiumFraction > 1 {
		writeError(w, http.StatusBadRequest, "premium_fraction must be in (0, 1]", nil)
		return
	}

	if err := h.Store.SetPortInSchedule(ctx, body.Schedule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save schedule", err)
		return
	}
	if err := h.Store.SetPortInPremiumFraction(ctx, body.PremiumFraction); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save premium fraction", err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// =============================================================================
// TIME EVOLUTION & SEEDING
// =============================================================================

// Evolve advances the simulation by the requested number of months and
// returns the per-month event log.
func (h *Handler) Evolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body EvolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	months, err := h.Engine.Evolve(ctx, body.Steps)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Evolution failed", err)
		return
	}

	clock, err := h.Store.Clock(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read clock", err)
		return
	}

	resp := EvolveResponse{Clock: clock, Months: make([]MonthDTO, len(months))}
	for i, m := range months {
		resp.Months[i] = MonthDTO{Month: m.Month, Date: m.Date, Events: m.Events}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SeedDemo loads the demo dataset into an empty database.
func (h *Handler) SeedDemo(w http.ResponseWriter, r *http.Request) {
	if err := seed.Apply(r.Context(), h.Store); err != nil {
		if errors.Is(err, seed.ErrAlreadySeeded) {
			writeError(w, http.StatusConflict, "Database already seeded", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to seed database", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "seeded"})
}
