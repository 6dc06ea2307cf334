package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// MarkSetter moves the simulated market.
type MarkSetter interface {
	SetPrice(symbol string, price decimal.Decimal) []string
}

// PaperHandler drives the paper exchange.
type PaperHandler struct {
	marks MarkSetter
}

// NewPaperHandler creates a PaperHandler.
func NewPaperHandler(marks MarkSetter) *PaperHandler {
	return &PaperHandler{marks: marks}
}

type setPriceRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// SetPrice sets a symbol's mark and reports the orders it filled.
// POST /api/paper/price
func (h *PaperHandler) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" || !req.Price.IsPositive() {
		writeError(w, http.StatusBadRequest, "symbol and a positive price are required")
		return
	}

	filled := h.marks.SetPrice(symbol, req.Price)
	if filled == nil {
		filled = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": symbol,
		"price":  req.Price.String(),
		"filled": filled,
	})
}
