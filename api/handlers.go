/*
handlers.go - HTTP API handlers for the participant portal

PURPOSE:
  Exposes the certificate ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users                        List users with brokerage cash
    GET    /api/users/{id}                   User details
    GET    /api/users/{id}/certificates      User's certificates (valued)
    GET    /api/users/{id}/requests          User's request history
    POST   /api/users/{id}/requests          Submit a request (queued)
    POST   /api/users/{id}/iof-declaration   Declare external VGBL volume

  Certificates:
    GET    /api/certificates/{id}             Full view: holdings, lots, routing
    GET    /api/certificates/{id}/tax-preview Withdrawal tax estimate (?amount=)
    GET    /api/certificates/{id}/withdrawals Withdrawal history

  Requests:
    POST   /api/requests/{id}/cancel         Owner cancels a pending request

  Catalog:
    GET    /api/plans                        Plan catalog
    GET    /api/funds                        Fund catalog with NAVs
    GET    /api/funds/{id}                   Fund with its return series
    GET    /api/clock                        Current simulation position

REQUEST SUBMISSION:
  Submissions only validate shape and ownership, then enqueue. All economic
  effects happen when the monthly scheduler drains the queue; a request that
  looks fine today can still fail at execution time (insufficient cash at
  that month, regime conflict, ...).

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (request no longer pending)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. The user id in the URL is trusted, as in
  any demo portal.

SEE ALSO:
  - dto.go:    Request/response data structures
  - admin.go:  Admin and simulation-control endpoints
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/phuslu/log"

	"github.com/antonragin/pgbl-vgbl-portal/engine"
	"github.com/antonragin/pgbl-vgbl-portal/ledger"
	"github.com/antonragin/pgbl-vgbl-portal/store/sqlite"
	"github.com/antonragin/pgbl-vgbl-portal/tax"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *engine.Engine
	Log    log.Logger
}

// NewHandler creates a new handler around the given store.
func NewHandler(store *sqlite.Store, logger log.Logger) *Handler {
	return &Handler{
		Store:  store,
		Engine: engine.New(store, logger),
		Log:    logger,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// ListUsers returns all users with their brokerage cash balances.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	users, err := h.Store.Users(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err)
		return
	}

	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		cash, err := h.Store.BrokerageCash(ctx, u.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load brokerage cash", err)
			return
		}
		dtos[i] = UserDTO{ID: u.ID, Username: u.Username, Retail: u.Retail, BrokerageCash: cash}
	}

	writeJSON(w, http.StatusOK, dtos)
}

// GetUser returns a single user.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	u, err := h.Store.User(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get user", err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}

	cash, err := h.Store.BrokerageCash(ctx, u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load brokerage cash", err)
		return
	}

	writeJSON(w, http.StatusOK, UserDTO{
		ID: u.ID, Username: u.Username, Retail: u.Retail, BrokerageCash: cash,
	})
}

// ListUserCertificates returns the user's certificates with live valuations.
func (h *Handler) ListUserCertificates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	certs, err := h.Store.Certificates(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list certificates", err)
		return
	}

	dtos := make([]CertificateDTO, len(certs))
	for i := range certs {
		dto, err := h.certificateDTO(r, &certs[i])
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to value certificate", err)
			return
		}
		dtos[i] = dto
	}

	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) certificateDTO(r *http.Request, c *ledger.Certificate) (CertificateDTO, error) {
	ctx := r.Context()
	value, err := ledger.TotalValue(ctx, h.Store, c.ID)
	if err != nil {
		return CertificateDTO{}, err
	}
	price, err := ledger.UnitPrice(ctx, h.Store, c)
	if err != nil {
		return CertificateDTO{}, err
	}

	dto := CertificateDTO{
		ID:          c.ID,
		UserID:      c.UserID,
		PlanID:      c.PlanID,
		PlanType:    c.PlanType,
		PlanName:    c.PlanName,
		CreatedDate: c.CreatedDate,
		Phase:       c.Phase,
		TaxRegime:   c.TaxRegime,
		UnitSupply:  c.UnitSupply,
		UnitPrice:   price,
		TotalValue:  value,
		Notes:       c.Notes,
	}
	if c.PlanType == ledger.PlanVGBL {
		dto.PremiumRemaining = c.PremiumRemaining
	}
	return dto, nil
}

// =============================================================================
// CERTIFICATE HANDLERS
// =============================================================================

// GetCertificate returns the full certificate view: valuation, holdings,
// lots, and the target allocation.
func (h *Handler) GetCertificate(w http.ResponseWriter, r *http.Request) {
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

	summary, err := h.certificateDTO(r, cert)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to value certificate", err)
		return
	}

	holdings, err := h.Store.Holdings(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load holdings", err)
		return
	}
	lots, err := h.Store.Lots(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load lots", err)
		return
	}
	allocs, err := h.Store.TargetAllocations(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load allocations", err)
		return
	}
	clock, err := h.Store.Clock(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load clock", err)
		return
	}

	detail := CertificateDetailDTO{
		CertificateDTO: summary,
		Holdings:       make([]HoldingDTO, len(holdings)),
		Lots:           make([]LotDTO, len(lots)),
		Allocations:    allocs,
	}
	for i, hd := range holdings {
		detail.Holdings[i] = HoldingDTO{
			FundID:   hd.FundID,
			FundName: hd.FundName,
			Units:    hd.Units,
			NAV:      hd.NAV,
			Value:    hd.Units * hd.NAV,
		}
	}
	showBrackets := cert.TaxRegime != ledger.RegimeProgressive
	for i, l := range lots {
		dto := LotDTO{
			ID:              l.ID,
			Date:            l.Date,
			Source:          l.Source,
			Gross:           l.Gross,
			Net:             l.Net,
			RemainingAmount: l.RemainingAmount,
			UnitsTotal:      l.UnitsTotal,
			UnitsRemaining:  l.UnitsRemaining,
			IssuePrice:      l.IssuePrice,
			CurrentValue:    l.UnitsRemaining * summary.UnitPrice,
		}
		if showBrackets {
			rate := tax.RegressiveRate(l.Date, clock.Date)
			dto.RegressiveRate = &rate
			if drop := tax.NextBracketDrop(l.Date, clock.Date); drop != nil {
				dto.NextRate = &drop.NextRate
				dto.NextRateDays = &drop.DaysUntil
			}
		}
		detail.Lots[i] = dto
	}

	writeJSON(w, http.StatusOK, detail)
}

// GetTaxPreview returns the withdrawal tax estimate for ?amount=N at the
// current simulation date. Nothing is mutated.
func (h *Handler) GetTaxPreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	amount, err := strconv.ParseFloat(r.URL.Query().Get("amount"), 64)
	if err != nil || amount <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid amount (use ?amount=N, N > 0)", err)
		return
	}

	clock, err := h.Store.Clock(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read clock", err)
		return
	}

	preview, err := tax.Estimate(ctx, h.Store, id, amount, clock.Date)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrCertificateNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "Failed to compute tax preview", err)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

// ListWithdrawals returns the certificate's withdrawal history.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	withdrawals, err := h.Store.Withdrawals(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list withdrawals", err)
		return
	}

	dtos := make([]WithdrawalDTO, len(withdrawals))
	for i, wd := range withdrawals {
		dtos[i] = WithdrawalDTO{
			ID:            wd.ID,
			CertificateID: wd.CertificateID,
			Gross:         wd.Gross,
			TaxWithheld:   wd.TaxWithheld,
			Net:           wd.Net,
			Date:          wd.Date,
		}
	}

	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REQUEST SUBMISSION & LIFECYCLE
// =============================================================================

// SubmitRequest validates shape and ownership, then enqueues the request for
// the next evolution step.
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body SubmitRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	details, err := detailsFromSubmission(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return
	}

	// Certificate-scoped requests must target a certificate the user owns.
	if body.CertificateID != 0 {
		cert, err := h.Store.Certificate(ctx, body.CertificateID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get certificate", err)
			return
		}
		if cert == nil {
			writeError(w, http.StatusNotFound, "Certificate not found", nil)
			return
		}
		if cert.UserID != userID {
			writeError(w, http.StatusBadRequest, "Certificate does not belong to user", nil)
			return
		}
	} else if body.Type != ledger.RequestBrokerageWithdrawal {
		writeError(w, http.StatusBadRequest, "certificate_id is required", nil)
		return
	}

	clock, err := h.Store.Clock(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read clock", err)
		return
	}

	id, err := h.Store.CreateRequest(ctx, userID, body.CertificateID, details, clock.Date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create request", err)
		return
	}

	req, err := h.Store.Request(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load request", err)
		return
	}

	writeJSON(w, http.StatusCreated, requestDTO(req))
}

// detailsFromSubmission maps the submission envelope to a typed payload,
// rejecting malformed field combinations up front.
func detailsFromSubmission(body *SubmitRequestDTO) (ledger.RequestDetails, error) {
	switch body.Type {
	case ledger.RequestContribution:
		if body.Amount <= 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		return ledger.ContributionDetails{Amount: body.Amount}, nil

	case ledger.RequestWithdrawal:
		if body.Amount <= 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		switch body.Regime {
		case ledger.RegimeUnset, ledger.RegimeProgressive, ledger.RegimeRegressive:
		default:
			return nil, errors.New("unknown tax regime")
		}
		return ledger.WithdrawalDetails{Amount: body.Amount, Regime: body.Regime}, nil

	case ledger.RequestFundSwap:
		if err := body.NewAllocations.Validate(); err != nil {
			return nil, err
		}
		return ledger.FundSwapDetails{NewAllocations: body.NewAllocations}, nil

	case ledger.RequestTransferInternal:
		if body.Amount <= 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		if body.DestinationCertID == 0 {
			return nil, errors.New("destination_cert_id is required")
		}
		return ledger.TransferInternalDetails{
			Amount: body.Amount, DestinationCertID: body.DestinationCertID,
		}, nil

	case ledger.RequestTransferExternalOut:
		if body.Amount <= 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		return ledger.TransferExternalOutDetails{
			Amount: body.Amount, DestinationInstitution: body.DestinationInstitution,
		}, nil

	case ledger.RequestTransferExternalIn:
		if body.Amount <= 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		return ledger.TransferExternalInDetails{
			Amount: body.Amount, SourceInstitution: body.SourceInstitution,
		}, nil

	case ledger.RequestPortabilityOut:
		if body.Amount < 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		if body.DestinationCertID == 0 {
			return nil, errors.New("destination_cert_id is required")
		}
		return ledger.PortabilityOutDetails{
			Amount: body.Amount, DestinationCertID: body.DestinationCertID,
		}, nil

	case ledger.RequestPortabilityIn:
		if body.SourceCertID == 0 {
			return nil, errors.New("source_cert_id is required")
		}
		return ledger.PortabilityInDetails{SourceCertID: body.SourceCertID}, nil

	case ledger.RequestBrokerageWithdrawal:
		if body.Amount <= 0 {
			return nil, ledger.ErrAmountNotPositive
		}
		return ledger.BrokerageWithdrawalDetails{Amount: body.Amount}, nil

	default:
		return nil, errors.New("unknown request type")
	}
}

// ListUserRequests returns the user's request history, optionally filtered
// by ?status=.
func (h *Handler) ListUserRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	requests, err := h.Store.Requests(ctx, ledger.RequestFilter{
		UserID: userID,
		Status: ledger.RequestStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}

	writeJSON(w, http.StatusOK, requestDTOs(requests))
}

// CancelRequest cancels the owner's pending request.
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body CancelRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Store.Request(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get request", err)
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "Request not found", nil)
		return
	}
	if req.UserID != body.UserID {
		writeError(w, http.StatusBadRequest, "Request does not belong to this user", nil)
		return
	}

	if err := h.Store.CancelRequest(ctx, id); err != nil {
		if errors.Is(err, ledger.ErrRequestNotPending) {
			writeError(w, http.StatusConflict, "Request is no longer pending", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to cancel request", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// =============================================================================
// IOF DECLARATION
// =============================================================================

// SetIOFDeclaration records the user's self-declared external VGBL
// contribution volume for one calendar year.
func (h *Handler) SetIOFDeclaration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var body IOFDeclarationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.Year < 2000 || body.Year > 9999 {
		writeError(w, http.StatusBadRequest, "Invalid year", nil)
		return
	}
	if body.Amount < 0 {
		writeError(w, http.StatusBadRequest, "Amount must not be negative", nil)
		return
	}

	if err := h.Store.SetIOFDeclaration(ctx, userID, body.Year, body.Amount); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save declaration", err)
		return
	}

	writeJSON(w, http.StatusOK, body)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListPlans returns the plan catalog.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Store.Plans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list plans", err)
		return
	}

	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = PlanDTO{ID: p.ID, Type: p.Type, Name: p.Name, Code: p.Code, FeesInfo: p.FeesInfo}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListFunds returns the fund catalog with current NAVs.
func (h *Handler) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := h.Store.Funds(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list funds", err)
		return
	}

	dtos := make([]FundDTO, len(funds))
	for i, f := range funds {
		dtos[i] = fundDTO(&f, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetFund returns one fund with its monthly return series.
func (h *Handler) GetFund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	f, err := h.Store.Fund(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get fund", err)
		return
	}
	if f == nil {
		writeError(w, http.StatusNotFound, "Fund not found", nil)
		return
	}

	returns, err := h.Store.FundReturns(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load returns", err)
		return
	}

	writeJSON(w, http.StatusOK, fundDTO(f, returns))
}

// GetClock returns the current simulation position.
func (h *Handler) GetClock(w http.ResponseWriter, r *http.Request) {
	clock, err := h.Store.Clock(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read clock", err)
		return
	}
	writeJSON(w, http.StatusOK, clock)
}

// =============================================================================
// HELPERS
// =============================================================================

func fundDTO(f *ledger.Fund, returns []float64) FundDTO {
	return FundDTO{
		ID:            f.ID,
		Name:          f.Name,
		Description:   f.Description,
		CNPJ:          f.CNPJ,
		QualifiedOnly: f.QualifiedOnly,
		InitialNAV:    f.InitialNAV,
		CurrentNAV:    f.CurrentNAV,
		Returns:       returns,
	}
}

func requestDTO(req *ledger.Request) RequestDTO {
	dto := RequestDTO{
		ID:            req.ID,
		UserID:        req.UserID,
		CertificateID: req.CertificateID,
		Type:          req.Type,
		Status:        req.Status,
		Details:       req.Details,
		CreatedDate:   req.CreatedDate,
		FailedReason:  req.FailedReason,
		RejectReason:  req.RejectReason,
	}
	if !req.CompletedDate.IsZero() {
		d := req.CompletedDate
		dto.CompletedDate = &d
	}
	return dto
}

func requestDTOs(requests []ledger.Request) []RequestDTO {
	dtos := make([]RequestDTO, len(requests))
	for i := range requests {
		dtos[i] = requestDTO(&requests[i])
	}
	return dtos
}

// idParam parses the integer URL parameter; on failure it writes a 400 and
// returns ok=false.
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+name+" parameter", err)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
