/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*         Portal user views and request submission
  /api/certificates/*  Certificate detail, tax preview, withdrawals
  /api/plans, /api/funds, /api/clock   Catalog and simulation position
  /api/admin/*         Back office and time evolution

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Portal handler implementations
  - admin.go:    Admin handler implementations
  - cmd/portal/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Portal user routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/certificates", h.ListUserCertificates)
			r.Get("/{id}/requests", h.ListUserRequests)
			r.Post("/{id}/requests", h.SubmitRequest)
			r.Post("/{id}/iof-declaration", h.SetIOFDeclaration)
		})

		// Certificate routes
		r.Route("/certificates", func(r chi.Router) {
			r.Get("/{id}", h.GetCertificate)
			r.Get("/{id}/tax-preview", h.GetTaxPreview)
			r.Get("/{id}/withdrawals", h.ListWithdrawals)
		})

		// Request lifecycle
		r.Route("/requests", func(r chi.Router) {
			r.Post("/{id}/cancel", h.CancelRequest)
		})

		// Catalog
		r.Get("/plans", h.ListPlans)
		r.Get("/funds", h.ListFunds)
		r.Get("/funds/{id}", h.GetFund)
		r.Get("/clock", h.GetClock)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/users", h.CreateUser)
			r.Delete("/users/{id}", h.DeleteUser)
			r.Post("/users/{id}/cash", h.AdjustCash)
			r.Post("/users/{id}/certificates", h.CreateCertificate)
			r.Delete("/certificates/{id}", h.DeleteCertificate)
			r.Post("/certificates/{id}/reconcile", h.ReconcileCertificate)
			r.Post("/plans", h.CreatePlan)
			r.Post("/funds", h.CreateFund)
			r.Get("/requests", h.ListRequests)
			r.Post("/requests/{id}/reject", h.RejectRequest)
			r.Get("/iof-rules", h.GetIOFRules)
			r.Put("/iof-rules", h.SetIOFRules)
			r.Get("/port-in", h.GetPortInConfig)
			r.Put("/port-in", h.SetPortInConfig)
			r.Post("/evolve", h.Evolve)
			r.Post("/seed", h.SeedDemo)
		})
	})

	return r
}
