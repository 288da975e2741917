package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

// MarketService defines what the market handler needs from the engine.
type MarketService interface {
	CreateMarket(ctx context.Context, groupID, question, creatorID string, yesPercent int, totalStake decimal.Decimal) (domain.Market, error)
	AddToPool(ctx context.Context, marketID int64, userID string, side domain.Side, amount decimal.Decimal) (domain.Market, error)
	ResolveMarket(ctx context.Context, marketID int64, outcome domain.Outcome, actorID string) (domain.Market, error)
	RefreshMarket(ctx context.Context, marketID int64) (domain.Market, error)
	MarketByID(marketID int64) (domain.Market, error)
	ActiveMarketsByGroup(groupID string) []domain.Market
	ResolvedMarketsByGroup(groupID string) []domain.Market
	YesOdds(marketID int64) (int, error)
	NoOdds(marketID int64) (int, error)
	PriceHistory(marketID int64) ([]domain.PricePoint, error)
	RecentTransactions(marketID int64, limit int) ([]domain.Transaction, error)
}

// MarketHandler serves market, trading and resolution endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// marketResponse decorates a market with its current odds.
type marketResponse struct {
	domain.Market
	YesOdds int `json:"yesOdds"`
	NoOdds  int `json:"noOdds"`
}

func (h *MarketHandler) respond(w http.ResponseWriter, status int, m domain.Market) {
	yes, _ := h.markets.YesOdds(m.MarketID)
	no, _ := h.markets.NoOdds(m.MarketID)
	writeJSON(w, status, marketResponse{Market: m, YesOdds: yes, NoOdds: no})
}

func marketIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type createMarketRequest struct {
	GroupID    string          `json:"groupId"`
	Question   string          `json:"question"`
	UserID     string          `json:"userId"`
	YesPercent int             `json:"yesPercent"`
	TotalStake decimal.Decimal `json:"totalStake"`
}

// CreateMarket opens a market seeded with the creator's stake.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	market, err := h.markets.CreateMarket(r.Context(), req.GroupID, req.Question, req.UserID, req.YesPercent, req.TotalStake)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, market)
}

// GetMarket returns a single market with current odds.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	market, err := h.markets.MarketByID(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, market)
}

// ListMarkets returns a group's markets, active by default.
// GET /api/markets?group={id}&status=active|resolved
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group")
	if groupID == "" {
		writeError(w, http.StatusBadRequest, "missing group parameter")
		return
	}

	var markets []domain.Market
	switch status := r.URL.Query().Get("status"); status {
	case "", "active":
		markets = h.markets.ActiveMarketsByGroup(groupID)
	case "resolved":
		markets = h.markets.ResolvedMarketsByGroup(groupID)
	default:
		writeError(w, http.StatusBadRequest, "status must be active or resolved")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

type tradeRequest struct {
	UserID string          `json:"userId"`
	Side   domain.Side     `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// Trade adds a stake to one side of the market's pool.
// POST /api/markets/{id}/trades
func (h *MarketHandler) Trade(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	var req tradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	market, err := h.markets.AddToPool(r.Context(), id, req.UserID, req.Side, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, market)
}

type resolveRequest struct {
	Outcome domain.Outcome `json:"outcome"`
	UserID  string         `json:"userId"`
}

// Resolve settles the market and pays out the winning side.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	market, err := h.markets.ResolveMarket(r.Context(), id, req.Outcome, req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, market)
}

// Refresh re-reads the market from the external source of record.
// POST /api/markets/{id}/refresh
func (h *MarketHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	market, err := h.markets.RefreshMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.respond(w, http.StatusOK, market)
}

// History returns the market's price history.
// GET /api/markets/{id}/history
func (h *MarketHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	points, err := h.markets.PriceHistory(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": points})
}

// Transactions returns the market's most recent trades, newest first.
// GET /api/markets/{id}/transactions?limit=20
func (h *MarketHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := marketIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.markets.RecentTransactions(id, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}
