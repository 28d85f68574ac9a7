package handler

import (
	"net/http"

	"github.com/xenking/storefront-engine/internal/domain/shipping"
)

type ratesRequest struct {
	FromZip string  `json:"from_zip"`
	ToZip   string  `json:"to_zip" validate:"required"`
	Weight  float64 `json:"weight" validate:"gt=0"`
}

type ratesResponse struct {
	Quotes []shipping.Quote `json:"quotes"`
}

func (h *Handler) compareRates(w http.ResponseWriter, r *http.Request) {
	var req ratesRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	from := req.FromZip
	if from == "" {
		from = h.fromZip
	}

	quotes, err := h.Rates.CompareRates(r.Context(), from, req.ToZip, req.Weight)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ratesResponse{Quotes: quotes})
}
