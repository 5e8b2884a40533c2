/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for operational tooling

ROUTE GROUPS:
  /api/loans/*   Loan lifecycle, transactions, charges, closure

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.CreateLoan)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetLoan)
				r.Get("/schedule", h.GetSchedule)
				r.Get("/transactions", h.GetTransactions)
				r.Get("/charges", h.GetCharges)

				// Approval phase
				r.Post("/approve", h.ApproveLoan)
				r.Post("/undo-approval", h.UndoApproval)
				r.Post("/reject", h.RejectLoan)
				r.Post("/withdraw", h.WithdrawLoan)

				// Disbursement
				r.Post("/disburse", h.DisburseLoan)
				r.Post("/undo-disbursal", h.UndoDisbursal)
				r.Post("/undo-last-disbursal", h.UndoLastDisbursal)
				r.Post("/tranches", h.AddTranche)
				r.Put("/tranches", h.UpdateTranches)

				// Monetary transactions
				r.Post("/repayments", h.MakeRepayment)
				r.Post("/recovery-repayments", h.MakeRecoveryRepayment)
				r.Post("/waive-interest", h.WaiveInterest)
				r.Post("/refunds", h.Refund)
				r.Post("/credit-balance-refunds", h.CreditBalanceRefund)

				r.Route("/transactions/{txID}", func(r chi.Router) {
					r.Post("/adjust", h.AdjustTransaction)
					r.Post("/reverse", h.ReverseTransaction)
					r.Post("/chargeback", h.Chargeback)
				})

				// Charges
				r.Post("/charges", h.AddCharge)
				r.Delete("/charges/{chargeID}", h.RemoveCharge)
				r.Post("/charges/{chargeID}/pay", h.PayCharge)
				r.Post("/charges/{chargeID}/waive", h.WaiveCharge)
				r.Post("/charges/{chargeID}/refund", h.RefundCharge)
				r.Post("/apply-overdue-charges", h.ApplyOverdueCharges)

				// Closure
				r.Post("/write-off", h.WriteOff)
				r.Post("/undo-write-off", h.UndoWriteOff)
				r.Post("/close-rescheduled", h.CloseRescheduled)
				r.Post("/charge-off", h.ChargeOff)
				r.Post("/foreclose", h.Foreclose)
				r.Post("/reprocess", h.Reprocess)
			})
		})
	})

	return r
}
