package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/storefront-engine/internal/domain/money"
	"github.com/xenking/storefront-engine/internal/domain/returns"
)

type createReturnRequest struct {
	OrderID string         `json:"order_id" validate:"required"`
	Lines   []returns.Line `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createReturn(w http.ResponseWriter, r *http.Request) {
	var req createReturnRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ret, err := h.Returns.Create(r.Context(), returns.CreateRequest{
		OrderID: req.OrderID,
		Lines:   req.Lines,
		Actor:   actor(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/returns/"+ret.ID)
	writeJSON(w, http.StatusCreated, ret)
}

func (h *Handler) getReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := h.Returns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

type approveRequest struct {
	Refund money.Money `json:"refund"`
}

func (h *Handler) approveReturn(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ret, err := h.Returns.Approve(r.Context(), chi.URLParam(r, "id"), req.Refund, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) rejectReturn(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ret, err := h.Returns.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

func (h *Handler) completeReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := h.Returns.Complete(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}
