/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  One zap line per request
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the frontend
  5. Authenticate:   Bearer JWT on /api/orgs/* only

ROUTE GROUPS:
  /api/orgs/{orgID}/*   Dues API (authenticated)
  /api/scenarios/*      Demo scenarios (dev only, unauthenticated)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions are the deployment-dependent parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	// EnableScenarios mounts the demo scenario routes.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/orgs/{orgID}", func(r chi.Router) {
			r.Use(Authenticate(h.Verifier))

			// Period routes
			r.Route("/periods", func(r chi.Router) {
				r.Get("/", h.ListPeriods)
				r.Post("/", h.CreatePeriod)
				r.Get("/{periodID}", h.GetPeriod)
				r.Delete("/{periodID}", h.DeletePeriod)
				r.Post("/{periodID}/close", h.ClosePeriod)
				r.Post("/{periodID}/accrual/preview", h.PreviewAccrual)
				r.Post("/{periodID}/accrual", h.TriggerAccrual)
				r.Get("/{periodID}/charges", h.ListCharges)
				r.Post("/{periodID}/charges", h.CreateCharge)
			})

			// Charge routes
			r.Route("/charges/{chargeID}", func(r chi.Router) {
				r.Delete("/", h.CancelCharge)
				r.Get("/payments", h.ListPayments)
				r.Post("/payments", h.RecordPayment)
				r.Get("/late-fees", h.ListLateFees)
				r.Post("/late-fees", h.ApplyLateFee)
			})

			// Payment routes
			r.Route("/payments/{paymentID}", func(r chi.Router) {
				r.Put("/", h.UpdatePayment)
				r.Delete("/", h.CancelPayment)
			})

			r.Post("/late-fees/{feeID}/cancel", h.CancelLateFee)

			// Catalog routes
			r.Route("/due-types", func(r chi.Router) {
				r.Get("/", h.ListDueTypes)
				r.Post("/", h.CreateDueType)
				r.Put("/{dueTypeID}", h.UpdateDueType)
				r.Post("/{dueTypeID}/deactivate", h.DeactivateDueType)
			})

			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.UpdateSettings)
			r.Get("/summary", h.Summary)

			// Resident self-service
			r.Get("/me/dues", h.MyDues)
			r.Get("/me/payments", h.MyPayments)
			r.Get("/jobs/stuck", h.StuckJobs)
		})

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
