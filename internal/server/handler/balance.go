package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// BalanceSource reads free balances from the exchange.
type BalanceSource interface {
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	Name() string
}

// BalanceHandler serves account balances.
type BalanceHandler struct {
	exchange BalanceSource
	logger   *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(exchange BalanceSource, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{exchange: exchange, logger: logger}
}

// GetBalance returns the free balance of one asset.
// GET /api/balance/{asset}
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	asset := strings.ToUpper(r.PathValue("asset"))
	bal, err := h.exchange.GetBalance(r.Context(), asset)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: balance query failed",
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "balance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"exchange": h.exchange.Name(),
		"asset":    asset,
		"free":     bal.String(),
	})
}
