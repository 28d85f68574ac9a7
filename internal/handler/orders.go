package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-engine/internal/checkout"
	"github.com/xenking/storefront-engine/internal/domain/apperr"
	"github.com/xenking/storefront-engine/internal/domain/cart"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

type checkoutRequest struct {
	Cart       cart.Cart      `json:"cart"`
	Quote      shipping.Quote `json:"quote"`
	Weight     float64        `json:"weight" validate:"gte=0"`
	FromZip    string         `json:"from_zip,omitempty"`
	PaymentRef string         `json:"payment_ref"`
}

// checkout prices the cart and creates a PENDING order.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.Checkout.Checkout(r.Context(), checkout.Request{
		Cart:       req.Cart,
		Quote:      req.Quote,
		Weight:     req.Weight,
		FromZip:    req.FromZip,
		Actor:      actor(r),
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type transitionRequest struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

// transitionOrder applies a manual status change. SHIPPED goes through
// fulfillment so that a label is required.
func (h *Handler) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	to, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, &apperr.ValidationError{Field: "status", Reason: err.Error(), Err: err})
		return
	}

	id := chi.URLParam(r, "id")
	var o *order.Order
	if to == order.StatusShipped {
		o, err = h.Fulfillment.MarkShipped(r.Context(), id, actor(r))
	} else {
		o, err = h.Machine.Transition(r.Context(), id, to, actor(r), order.WithReason(req.Reason))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) purchaseLabel(w http.ResponseWriter, r *http.Request) {
	o, err := h.Fulfillment.PurchaseLabel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
