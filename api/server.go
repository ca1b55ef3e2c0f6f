/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and routes.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing

CORS:
  Two policies. The public group is called directly from customer-facing
  storefront pages, so it allows any origin and only GET. The admin
  group is restricted to the configured dashboard origins.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the router with all routes configured.
// adminOrigins lists the dashboard origins allowed on admin routes.
func NewRouter(h *Handler, adminOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// Public routes: invoked from storefront pages on arbitrary shop
	// domains, so cross-origin must be permissive.
	r.Route("/api/public", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/customers/{externalId}", h.GetPublicCustomer)
	})

	// Admin routes: the merchant dashboard only.
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   adminOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))

		r.Route("/import", func(r chi.Router) {
			r.Post("/", h.StartImport)
			r.Get("/{jobId}", h.GetImportJob)
			r.Post("/{jobId}/cancel", h.CancelImport)
		})

		r.Post("/adjustments", h.CreateAdjustment)
		r.Post("/reconcile", h.BulkReconcile)

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/ledger", h.GetCustomerLedger)
			r.Get("/{id}/verify", h.VerifyCustomerLedger)
			r.Post("/{id}/tier", h.OverrideCustomerTier)
		})

		r.Route("/tiers", func(r chi.Router) {
			r.Get("/", h.ListTiers)
			r.Post("/", h.CreateTier)
			r.Post("/{id}/deactivate", h.DeactivateTier)
		})
	})

	return r
}
