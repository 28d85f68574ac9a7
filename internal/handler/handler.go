// Package handler exposes the engine over a JSON HTTP API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/xenking/storefront-engine/internal/checkout"
	"github.com/xenking/storefront-engine/internal/domain/auth"
	"github.com/xenking/storefront-engine/internal/domain/coupon"
	"github.com/xenking/storefront-engine/internal/domain/order"
	"github.com/xenking/storefront-engine/internal/domain/returns"
	"github.com/xenking/storefront-engine/internal/domain/shipping"
	"github.com/xenking/storefront-engine/internal/fulfillment"
	"github.com/xenking/storefront-engine/pkg/httpmiddleware"
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// FromZip is the origin used when a rate request does not name one.
	FromZip string
	// MaxBodyBytes bounds request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Deps are the services the API delegates to.
type Deps struct {
	Rates       *shipping.Resolver
	Checkout    *checkout.Orchestrator
	Orders      order.Repository
	Machine     *order.Machine
	Fulfillment *fulfillment.Service
	Returns     *returns.Service
	Coupons     *coupon.Engine
	Auth        *auth.Authenticator
}

// Handler serves the /api routes.
type Handler struct {
	Deps
	fromZip  string
	maxBody  int64
	validate *validator.Validate
}

// New creates a Handler.
func New(cfg Config, deps Deps) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		Deps:     deps,
		fromZip:  cfg.FromZip,
		maxBody:  maxBody,
		validate: newValidator(),
	}
}

// Routes returns the router for the API. Paths are relative to the mount
// point, which is /api in the server.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests(RoutePattern))
	r.Use(h.authenticate)

	r.Group(func(r chi.Router) {
		r.Use(requireScope(auth.ScopeCheckout))
		r.Post("/rates", h.compareRates)
		r.Post("/checkout", h.checkout)
		r.Get("/coupons/{code}", h.previewCoupon)
	})

	r.Route("/orders/{id}", func(r chi.Router) {
		r.Use(requireScope(auth.ScopeOrders))
		r.Get("/", h.getOrder)
		r.Post("/transitions", h.transitionOrder)
		r.Post("/label", h.purchaseLabel)
	})

	r.Route("/returns", func(r chi.Router) {
		r.With(requireScope(auth.ScopeReturns)).Post("/", h.createReturn)
		r.With(requireScope(auth.ScopeReturns)).Get("/{id}", h.getReturn)
		r.With(requireScope(auth.ScopeAdmin)).Post("/{id}/approve", h.approveReturn)
		r.With(requireScope(auth.ScopeAdmin)).Post("/{id}/reject", h.rejectReturn)
		r.With(requireScope(auth.ScopeAdmin)).Post("/{id}/complete", h.completeReturn)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// RoutePattern reports the chi pattern matched for r.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
