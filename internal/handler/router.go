package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/referral-coupon-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса купонов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", h.CreateUser)
		r.Get("/users", h.ListUsers)

		r.Post("/shops", h.CreateShop)

		r.Post("/coupons", h.CreateCoupon)
		r.Get("/coupons", h.ListCoupons)
		r.Get("/coupons/{couponID}", h.GetCoupon)
		r.Post("/coupons/{couponID}/activate", h.ForceActivate)

		r.Post("/share-links", h.CreateShareLink)
		r.Post("/clicks", h.RecordClick)
		r.Post("/redemptions", h.Redeem)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func couponIDParam(r *http.Request) string {
	return chi.URLParam(r, "couponID")
}
