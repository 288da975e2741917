package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
)

// AuditHandler receives trade notifications from peer instances and appends
// them to the structured audit trail. Submission to an external ledger is
// out of scope; acknowledging the trade is the contract.
type AuditHandler struct {
	logger *slog.Logger
}

func NewAuditHandler(logger *slog.Logger) *AuditHandler {
	return &AuditHandler{logger: logHandler(logger, "audit")}
}

type recordTradeRequest struct {
	MarketID int64           `json:"marketId"`
	Side     bool            `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
}

// RecordTrade logs an executed trade.
// POST /record-trade
func (h *AuditHandler) RecordTrade(w http.ResponseWriter, r *http.Request) {
	var req recordTradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MarketID <= 0 || req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, http.StatusBadRequest, "marketId and a positive amount are required")
		return
	}

	side := "no"
	if req.Side {
		side = "yes"
	}
	h.logger.InfoContext(r.Context(), "trade recorded",
		slog.Int64("market_id", req.MarketID),
		slog.String("side", side),
		slog.String("amount", req.Amount.String()),
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
