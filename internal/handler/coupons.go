package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/money"
)

type couponPreview struct {
	Code        string      `json:"code"`
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Subtotal    money.Money `json:"subtotal"`
	Discount    money.Money `json:"discount"`
}

// previewCoupon validates a code against a subtotal without redeeming it.
// The subtotal is given in major units, e.g. ?subtotal=1000.00&currency=MXN.
func (h *Handler) previewCoupon(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cur, err := money.ParseCurrency(q.Get("currency"))
	if err != nil {
		writeError(w, r, &apperr.ValidationError{Field: "currency", Reason: err.Error(), Err: err})
		return
	}
	subtotal, err := money.ParseMajor(q.Get("subtotal"), cur)
	if err != nil {
		writeError(w, r, &apperr.ValidationError{Field: "subtotal", Reason: err.Error(), Err: err})
		return
	}

	app, err := h.Coupons.Apply(r.Context(), chi.URLParam(r, "code"), subtotal)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, couponPreview{
		Code:        app.Coupon.Code,
		Type:        string(app.Coupon.Type),
		Description: app.Coupon.Description,
		Subtotal:    subtotal,
		Discount:    app.Discount,
	})
}
