package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonragin/pgbl-vgbl-portal/api"
	"github.com/antonragin/pgbl-vgbl-portal/seed"
	"github.com/antonragin/pgbl-vgbl-portal/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================
//
// Tests run against the seeded demo dataset: users 1-3 (ana, carlos, maria),
// plans 1-4, funds 1-5, certificates 1-4 (carlos holds 1 and 2, maria 3
// and 4). All seeded lots sit at the 1.0 bootstrap unit price.

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	router, _ := newTestRouterWithStore(t)
	return router
}

func newTestRouterWithStore(t *testing.T) (http.Handler, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, seed.Apply(context.Background(), s))

	h := api.NewHandler(s, log.Logger{Level: log.PanicLevel})
	return api.NewRouter(h), s
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// =============================================================================
// PORTAL ENDPOINTS
// =============================================================================

func TestListUsers(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	users := decode[[]api.UserDTO](t, rec)
	require.Len(t, users, 3)
	assert.Equal(t, "carlos.souza@email.com", users[1].Username)
	assert.InDelta(t, 15_000, users[1].BrokerageCash, 1e-9)
	assert.False(t, users[2].Retail)
}

func TestListUserCertificates(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/users/2/certificates", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	certs := decode[[]api.CertificateDTO](t, rec)
	require.Len(t, certs, 2)

	// Carlos's PGBL: 5000 fund units at NAV 10 against 48000 cert units.
	pgbl := certs[0]
	assert.Equal(t, "PGBL", string(pgbl.PlanType))
	assert.InDelta(t, 50_000, pgbl.TotalValue, 1e-6)
	assert.InDelta(t, 48_000, pgbl.UnitSupply, 1e-6)
	assert.InDelta(t, 50_000.0/48_000.0, pgbl.UnitPrice, 1e-9)
	assert.Zero(t, pgbl.PremiumRemaining) // PGBL has no premium concept

	vgbl := certs[1]
	assert.Equal(t, "VGBL", string(vgbl.PlanType))
	assert.InDelta(t, 36_000, vgbl.PremiumRemaining, 1e-6)
}

func TestGetCertificateDetail(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/certificates/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	detail := decode[api.CertificateDetailDTO](t, rec)
	assert.Len(t, detail.Lots, 24)
	assert.Len(t, detail.Holdings, 2)
	assert.Len(t, detail.Allocations, 2)

	// Lots come back in FIFO order.
	assert.Equal(t, "2024-01-01", detail.Lots[0].Date.String())
	assert.Equal(t, "2025-12-01", detail.Lots[23].Date.String())

	// Regime is still unset, so each lot reports its regressive bracket as of
	// the clock date. The oldest lot sits exactly on its two-year boundary:
	// still 35%, with the drop to 30% one day away.
	require.NotNil(t, detail.Lots[0].RegressiveRate)
	assert.InDelta(t, 0.35, *detail.Lots[0].RegressiveRate, 1e-9)
	require.NotNil(t, detail.Lots[0].NextRate)
	assert.InDelta(t, 0.30, *detail.Lots[0].NextRate, 1e-9)
	require.NotNil(t, detail.Lots[0].NextRateDays)
	assert.Equal(t, 1, *detail.Lots[0].NextRateDays)
	require.NotNil(t, detail.Lots[23].NextRateDays)
	assert.Greater(t, *detail.Lots[23].NextRateDays, 600)
}

func TestGetCertificateNotFound(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/certificates/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaxPreview(t *testing.T) {
	router := newTestRouter(t)

	// Maria's big VGBL is locked to the regressive schedule.
	rec := doJSON(t, router, http.MethodGet, "/api/certificates/3/tax-preview?amount=100000", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var preview struct {
		Regime     string `json:"regime"`
		Regressive *struct {
			Gross     float64 `json:"gross"`
			Tax       float64 `json:"tax"`
			Breakdown []struct {
				Rate float64 `json:"rate"`
			} `json:"breakdown"`
		} `json:"regressive"`
		Progressive *struct{} `json:"progressive"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&preview))
	assert.Equal(t, "regressive", preview.Regime)
	require.NotNil(t, preview.Regressive)
	assert.Nil(t, preview.Progressive)
	assert.InDelta(t, 100_000, preview.Regressive.Gross, 1e-6)
	assert.NotEmpty(t, preview.Regressive.Breakdown)
}

func TestTaxPreviewRequiresAmount(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/certificates/3/tax-preview", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// REQUEST SUBMISSION
// =============================================================================

func TestSubmitContribution(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/users/2/requests", map[string]any{
		"type": "contribution", "certificate_id": 1, "amount": 2000,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		ID          int64  `json:"id"`
		Status      string `json:"status"`
		CreatedDate string `json:"created_date"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "2026-01-01", created.CreatedDate) // stamped at sim time
}

func TestSubmitRequestValidation(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", map[string]any{"type": "bogus", "certificate_id": 1}},
		{"negative amount", map[string]any{"type": "contribution", "certificate_id": 1, "amount": -5}},
		{"swap without allocations", map[string]any{"type": "fund_swap", "certificate_id": 1}},
		{"transfer without destination", map[string]any{"type": "transfer_internal", "certificate_id": 1, "amount": 100}},
		{"missing certificate", map[string]any{"type": "contribution", "amount": 100}},
	}
	for _, tc := range cases {
		rec := doJSON(t, router, http.MethodPost, "/api/users/2/requests", tc.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
	}
}

func TestSubmitRequestOwnershipEnforced(t *testing.T) {
	router := newTestRouter(t)

	// Certificate 3 belongs to maria (user 3), not carlos (user 2).
	rec := doJSON(t, router, http.MethodPost, "/api/users/2/requests", map[string]any{
		"type": "contribution", "certificate_id": 3, "amount": 100,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRequestLifecycle(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/users/2/requests", map[string]any{
		"type": "contribution", "certificate_id": 1, "amount": 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	path := fmt.Sprintf("/api/requests/%d/cancel", created.ID)
	rec = doJSON(t, router, http.MethodPost, path, map[string]any{"user_id": 2})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Terminal states are final.
	rec = doJSON(t, router, http.MethodPost, path, map[string]any{"user_id": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRequestOwnershipEnforced(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/users/2/requests", map[string]any{
		"type": "contribution", "certificate_id": 1, "amount": 500,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	path := fmt.Sprintf("/api/requests/%d/cancel", created.ID)

	// Maria cannot cancel Carlos's request; it stays pending.
	rec = doJSON(t, router, http.MethodPost, path, map[string]any{"user_id": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, path, map[string]any{"user_id": 2})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/requests/999/cancel", map[string]any{"user_id": 2})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestAdminRejectRequest(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/users/2/requests", map[string]any{
		"type": "withdrawal", "certificate_id": 1, "amount": 100, "tax_regime": "regressive",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/requests/%d/reject", created.ID),
		map[string]any{"reason": "exceeds policy limit"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Rejection without a reason is refused.
	rec = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/requests/%d/reject", created.ID),
		map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEvolve(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/evolve", map[string]any{"steps": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Clock struct {
			Month int    `json:"month"`
			Date  string `json:"date"`
		} `json:"clock"`
		Months []struct {
			Month  int      `json:"month"`
			Events []string `json:"events"`
		} `json:"months"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Clock.Month)
	assert.Equal(t, "2026-03-01", resp.Clock.Date)
	require.Len(t, resp.Months, 2)
	// Every month at least logs the five seeded funds' NAV moves.
	assert.NotEmpty(t, resp.Months[0].Events)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/evolve", map[string]any{"steps": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeedIsIdempotentViaConflict(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/seed", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminPortInConfig(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/admin/port-in", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[api.PortInConfigDTO](t, rec)
	require.Len(t, cfg.Schedule, 3)
	assert.InDelta(t, 0.80, cfg.PremiumFraction, 1e-9)

	// Replace, then read back.
	rec = doJSON(t, router, http.MethodPut, "/api/admin/port-in", map[string]any{
		"schedule":         []map[string]any{{"pct": 100, "years_ago": 2}},
		"premium_fraction": 0.9,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/admin/port-in", nil)
	cfg = decode[api.PortInConfigDTO](t, rec)
	require.Len(t, cfg.Schedule, 1)
	assert.Equal(t, 2, cfg.Schedule[0].YearsAgo)

	// Percentages must sum to 100.
	rec = doJSON(t, router, http.MethodPut, "/api/admin/port-in", map[string]any{
		"schedule":         []map[string]any{{"pct": 50, "years_ago": 2}},
		"premium_fraction": 0.9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCashAdjustment(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/users/1/cash", map[string]any{"delta": 5000})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]float64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.InDelta(t, 30_000, resp["brokerage_cash"], 1e-9)

	// Draining below zero is refused.
	rec = doJSON(t, router, http.MethodPost, "/api/admin/users/1/cash", map[string]any{"delta": -999_999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminReconcileCertificate(t *testing.T) {
	router, s := newTestRouterWithStore(t)
	ctx := context.Background()

	// Drift the cached counter away from the lot total (48000).
	require.NoError(t, s.SetCertificateUnits(ctx, 1, 47_000))

	rec := doJSON(t, router, http.MethodPost, "/api/admin/certificates/1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	result := decode[api.ReconcileResultDTO](t, rec)
	assert.True(t, result.Adjusted)
	assert.InDelta(t, 47_000, result.OldSupply, 1e-9)
	assert.InDelta(t, 48_000, result.NewSupply, 1e-9)

	cert, err := s.Certificate(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 48_000, cert.UnitSupply, 1e-9)

	// Running again on a healthy certificate is a no-op.
	rec = doJSON(t, router, http.MethodPost, "/api/admin/certificates/1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[api.ReconcileResultDTO](t, rec).Adjusted)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/certificates/999/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminCreateCertificateWithAllocations(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/users/2/certificates", map[string]any{
		"plan_id": 1,
		"allocations": []map[string]any{
			{"fund_id": 1, "pct": 60},
			{"fund_id": 2, "pct": 40},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[api.CertificateDTO](t, rec)

	// The routing table is in place immediately; a contribution can settle
	// without a prior fund_swap.
	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/certificates/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[api.CertificateDetailDTO](t, rec)
	require.Len(t, detail.Allocations, 2)
	assert.InDelta(t, 60, detail.Allocations[0].Pct, 1e-9)

	// A set that does not sum to 100 is refused.
	rec = doJSON(t, router, http.MethodPost, "/api/admin/users/2/certificates", map[string]any{
		"plan_id":     1,
		"allocations": []map[string]any{{"fund_id": 1, "pct": 50}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// So is one naming a fund that does not exist.
	rec = doJSON(t, router, http.MethodPost, "/api/admin/users/2/certificates", map[string]any{
		"plan_id":     1,
		"allocations": []map[string]any{{"fund_id": 999, "pct": 100}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
