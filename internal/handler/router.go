package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/tapaar/ledger-service/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware кошелькового сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/membership", h.GetMembership)

			r.Post("/coupons", h.PurchaseCoupon)
			r.Post("/coupons/evidence", h.SubmitEvidence)
			r.Post("/coupons/{id}/verify", h.RetryVerification)

			r.Post("/airtime", h.PurchaseAirtime)
			r.Post("/transfer", h.Transfer)

			r.Post("/tasks/{id}/complete", h.CompleteTask)
			r.Post("/membership/upgrade", h.UpgradeMembership)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func pathParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
