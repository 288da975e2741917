package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

// marketCloseWindow is how far in the future markets are scheduled to close
// on the chain collaborator.
const marketCloseWindow = 30 * 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// yesPercentOf computes the implied YES probability for the given pools,
// rounded to the nearest integer, defaulting to 50 when both pools are
// empty.
func yesPercentOf(yesPool, noPool decimal.Decimal) int {
	total := yesPool.Add(noPool)
	if total.IsZero() {
		return 50
	}
	return int(yesPool.Div(total).Mul(hundred).Round(0).IntPart())
}

// CreateMarket opens a binary market in a group. The creator's total stake
// is split between the pools according to the requested YES probability:
// the YES amount is floor(yesPercent% of the stake) and the NO amount is
// the remainder, so the two always sum to the stake exactly. The creator's
// balance must cover the stake. The chain collaborator is invoked for the
// market creation and opening trades but its responses are not the source
// of truth for pool math.
func (e *Engine) CreateMarket(ctx context.Context, groupID, question, creatorID string, yesPercent int, totalStake decimal.Decimal) (domain.Market, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.Market{}, fmt.Errorf("engine: market question is required: %w", domain.ErrInvalidInput)
	}
	if yesPercent < 0 || yesPercent > 100 {
		return domain.Market{}, fmt.Errorf("engine: yes percent %d out of range: %w", yesPercent, domain.ErrInvalidInput)
	}
	if !totalStake.IsPositive() {
		return domain.Market{}, fmt.Errorf("engine: total stake must be positive: %w", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.groupLocked(groupID) == nil {
		return domain.Market{}, fmt.Errorf("engine: group %q: %w", groupID, domain.ErrNotFound)
	}
	if totalStake.GreaterThan(e.state.BalanceCache[creatorID]) {
		return domain.Market{}, fmt.Errorf("engine: creator stake %s exceeds balance: %w",
			totalStake.String(), domain.ErrInsufficientBalance)
	}

	yesAmount := totalStake.Mul(decimal.NewFromInt(int64(yesPercent))).Div(hundred).Floor()
	noAmount := totalStake.Sub(yesAmount)

	marketID := e.nextMarketIDLocked()
	closeTime := e.now().Add(marketCloseWindow).Unix()

	if err := e.chain.CreateMarket(ctx, creatorID, marketID, question, closeTime); err != nil {
		return domain.Market{}, fmt.Errorf("engine: chain create market: %w", err)
	}
	if yesAmount.IsPositive() {
		if err := e.chain.BuyShares(ctx, creatorID, marketID, true, yesAmount, yesPercent); err != nil {
			return domain.Market{}, fmt.Errorf("engine: chain buy opening yes shares: %w", err)
		}
	}
	if noAmount.IsPositive() {
		if err := e.chain.BuyShares(ctx, creatorID, marketID, false, noAmount, 100-yesPercent); err != nil {
			return domain.Market{}, fmt.Errorf("engine: chain buy opening no shares: %w", err)
		}
	}

	e.claimMarketIDLocked()
	market := domain.Market{
		ID:        strconv.FormatInt(marketID, 10),
		MarketID:  marketID,
		GroupID:   groupID,
		Question:  question,
		CreatorID: creatorID,
		YesPool:   yesAmount,
		NoPool:    noAmount,
		Positions: map[string]domain.Position{
			creatorID: {Yes: yesAmount, No: noAmount},
		},
		PriceHistory: []domain.PricePoint{
			{Timestamp: e.nowMillis(), YesPercent: yesPercent},
		},
		Transactions: []domain.Transaction{},
	}
	e.state.Markets = append(e.state.Markets, market)
	e.debitLocked(creatorID, totalStake)
	e.commitLocked(domain.Change{Event: domain.EventMarketCreated, GroupID: groupID, MarketID: market.ID, UserID: creatorID})

	e.logger.Info("market created",
		slog.Int64("market", marketID),
		slog.String("group", groupID),
		slog.String("creator", creatorID),
		slog.String("stake", totalStake.String()),
		slog.Int("yes_percent", yesPercent),
	)
	return market.Clone(), nil
}

// AddToPool buys amount dollars into one side of an open market. The pool
// increment, position increment, balance debit, price-history point, and
// transaction record commit as one atomic unit; the recorded price point
// reflects the odds just before this trade's increment. After the commit a
// best-effort audit-sink notification is dispatched; its failure never
// rolls back the trade.
func (e *Engine) AddToPool(ctx context.Context, marketID int64, userID string, side domain.Side, amount decimal.Decimal) (domain.Market, error) {
	if !side.Valid() {
		return domain.Market{}, fmt.Errorf("engine: side %q: %w", side, domain.ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return domain.Market{}, fmt.Errorf("engine: trade amount must be positive: %w", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	market := e.marketLocked(marketID)
	if market == nil {
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	if market.Resolved {
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrAlreadyResolved)
	}

	cost := amount.Round(2)
	if cost.GreaterThan(e.state.BalanceCache[userID]) {
		return domain.Market{}, fmt.Errorf("engine: trade of %s exceeds balance: %w",
			cost.String(), domain.ErrInsufficientBalance)
	}

	if err := e.chain.BuyShares(ctx, userID, marketID, side == domain.SideYes, cost, 50); err != nil {
		return domain.Market{}, fmt.Errorf("engine: chain buy shares: %w", err)
	}

	// The price point captures the odds before this trade moves the pools.
	now := e.nowMillis()
	market.PriceHistory = append(market.PriceHistory, domain.PricePoint{
		Timestamp:  now,
		YesPercent: yesPercentOf(market.YesPool, market.NoPool),
	})

	pos := market.Positions[userID]
	if side == domain.SideYes {
		pos.Yes = pos.Yes.Add(cost)
		market.YesPool = market.YesPool.Add(cost)
	} else {
		pos.No = pos.No.Add(cost)
		market.NoPool = market.NoPool.Add(cost)
	}
	market.Positions[userID] = pos
	e.debitLocked(userID, cost)

	market.Transactions = append(market.Transactions, domain.Transaction{
		ID:        fmt.Sprintf("tx-%d-%d", now, len(market.Transactions)),
		UserID:    userID,
		Side:      side,
		Amount:    cost,
		Timestamp: now,
		Type:      domain.TransactionBuy,
	})

	e.commitLocked(domain.Change{Event: domain.EventTradeExecuted, GroupID: market.GroupID, MarketID: market.ID, UserID: userID})

	e.logger.Info("trade executed",
		slog.Int64("market", marketID),
		slog.String("user", userID),
		slog.String("side", string(side)),
		slog.String("amount", cost.String()),
	)

	e.recordTradeAudit(ctx, marketID, side, cost)
	return market.Clone(), nil
}

// recordTradeAudit dispatches the fire-and-forget audit notification for a
// committed trade. Failures are logged and swallowed; the trade has
// already committed by the time this runs.
func (e *Engine) recordTradeAudit(ctx context.Context, marketID int64, side domain.Side, amount decimal.Decimal) {
	go func() {
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.audit.RecordTrade(auditCtx, marketID, side, amount); err != nil {
			e.logger.Warn("audit sink record trade failed",
				slog.Int64("market", marketID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// ResolveMarket fixes the outcome of an open market and distributes the
// parimutuel payout: every winning stake receives stake x totalPool /
// winningPool, rounded to cents; losers receive nothing. When nobody bet
// on the winning side the entire pool is forfeited (documented behaviour,
// kept deliberately). Resolution is irrevocable and executes at most once
// per market; only the market's creator may resolve it.
func (e *Engine) ResolveMarket(ctx context.Context, marketID int64, outcome domain.Outcome, actorID string) (domain.Market, error) {
	if outcome != domain.OutcomeYes && outcome != domain.OutcomeNo {
		return domain.Market{}, fmt.Errorf("engine: outcome %q: %w", outcome, domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	market := e.marketLocked(marketID)
	if market == nil {
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	if market.CreatorID != actorID {
		return domain.Market{}, fmt.Errorf("engine: user %q resolving market %d: %w", actorID, marketID, domain.ErrNotCreator)
	}
	if market.Resolved {
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrAlreadyResolved)
	}

	if err := e.chain.ResolveMarket(ctx, actorID, marketID, outcome == domain.OutcomeYes); err != nil {
		return domain.Market{}, fmt.Errorf("engine: chain resolve market: %w", err)
	}

	market.Resolved = true
	market.Outcome = outcome

	totalPool := market.TotalPool()
	winningPool := market.YesPool
	if outcome == domain.OutcomeNo {
		winningPool = market.NoPool
	}

	if winningPool.IsPositive() {
		for userID, pos := range market.Positions {
			stake := pos.Yes
			if outcome == domain.OutcomeNo {
				stake = pos.No
			}
			if stake.IsPositive() {
				payout := stake.Mul(totalPool).Div(winningPool).Round(2)
				e.creditLocked(userID, payout)
			}
		}
	} else {
		e.logger.Warn("winning pool is empty, total pool forfeited",
			slog.Int64("market", marketID),
			slog.String("pool", totalPool.String()),
		)
	}

	e.commitLocked(domain.Change{Event: domain.EventMarketResolved, GroupID: market.GroupID, MarketID: market.ID, UserID: actorID})

	e.logger.Info("market resolved",
		slog.Int64("market", marketID),
		slog.String("outcome", string(outcome)),
		slog.String("total_pool", totalPool.String()),
	)
	return market.Clone(), nil
}

// RefreshMarket reconciles local market state against the chain
// collaborator. The external source is advisory: zeroed or trivial chain
// data never overwrites non-empty local pools, and a collaborator failure
// leaves local state untouched.
func (e *Engine) RefreshMarket(ctx context.Context, marketID int64) (domain.Market, error) {
	e.mu.RLock()
	local := e.marketLocked(marketID)
	if local == nil {
		e.mu.RUnlock()
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	groupID := local.GroupID
	localTotal := local.TotalPool()
	var members []string
	if g := e.groupLocked(groupID); g != nil {
		members = append(members, g.Members...)
	}
	e.mu.RUnlock()

	chainMarket, err := e.chain.GetMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: chain get market %d: %w", marketID, err)
	}
	trades, err := e.chain.GetTradesForMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("engine: chain get trades for market %d: %w", marketID, err)
	}

	chainTotal := chainMarket.TotalYesShares.Add(chainMarket.TotalNoShares)
	if chainTotal.IsZero() && localTotal.IsPositive() {
		// Stubbed or lagging source; local pool math stays authoritative.
		e.logger.Debug("refresh skipped, chain reports empty pools",
			slog.Int64("market", marketID),
		)
		e.mu.RLock()
		defer e.mu.RUnlock()
		if m := e.marketLocked(marketID); m != nil {
			return m.Clone(), nil
		}
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}

	positions := make(map[string]domain.Position, len(members))
	for _, member := range members {
		pos, err := e.chain.GetPosition(ctx, member, marketID)
		if err != nil {
			return domain.Market{}, fmt.Errorf("engine: chain get position for %q: %w", member, err)
		}
		positions[member] = domain.Position{Yes: pos.YesShares, No: pos.NoShares}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	market := e.marketLocked(marketID)
	if market == nil {
		return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	if market.Resolved {
		// Settlement already paid out locally. Resolution is irrevocable,
		// so a lagging chain view must not reopen the market or disturb
		// the settled pools.
		return market.Clone(), nil
	}
	market.YesPool = chainMarket.TotalYesShares
	market.NoPool = chainMarket.TotalNoShares
	market.Positions = positions
	market.Resolved = chainMarket.Resolved
	market.Outcome = outcomeFromChain(chainMarket)
	market.PriceHistory = tradesToPriceHistory(trades, e.nowMillis())
	market.Transactions = tradesToTransactions(trades)

	e.commitLocked(domain.Change{Event: domain.EventMarketRefreshed, GroupID: groupID, MarketID: market.ID})
	return market.Clone(), nil
}

func outcomeFromChain(m domain.ChainMarket) domain.Outcome {
	if m.Outcome == nil {
		return domain.OutcomeUnset
	}
	if *m.Outcome {
		return domain.OutcomeYes
	}
	return domain.OutcomeNo
}

// tradesToPriceHistory replays chain trades into a price series, one point
// per trade computed after applying that trade's running totals (the chain
// reports completed fills). An empty series gets a synthetic 50% starting
// point.
func tradesToPriceHistory(trades []domain.ChainTrade, nowMillis int64) []domain.PricePoint {
	var yesTotal, noTotal decimal.Decimal
	points := make([]domain.PricePoint, 0, len(trades))
	for _, t := range trades {
		delta := t.Amount
		if !t.IsBuy {
			delta = t.Amount.Neg()
		}
		if t.Yes {
			yesTotal = yesTotal.Add(delta)
		} else {
			noTotal = noTotal.Add(delta)
		}
		points = append(points, domain.PricePoint{
			Timestamp:  t.Timestamp * 1000,
			YesPercent: yesPercentOf(yesTotal, noTotal),
		})
	}
	if len(points) == 0 {
		points = append(points, domain.PricePoint{Timestamp: nowMillis, YesPercent: 50})
	}
	return points
}

// tradesToTransactions translates chain trades into local transaction
// records.
func tradesToTransactions(trades []domain.ChainTrade) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(trades))
	for i, t := range trades {
		side := domain.SideNo
		if t.Yes {
			side = domain.SideYes
		}
		txType := domain.TransactionSell
		if t.IsBuy {
			txType = domain.TransactionBuy
		}
		out = append(out, domain.Transaction{
			ID:        fmt.Sprintf("tx-%d-%d", t.Timestamp, i),
			UserID:    t.UserID,
			Side:      side,
			Amount:    t.Amount,
			Timestamp: t.Timestamp * 1000,
			Type:      txType,
		})
	}
	return out
}

// MarketByID returns the market with the given numeric identifier.
func (e *Engine) MarketByID(marketID int64) (domain.Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if m := e.marketLocked(marketID); m != nil {
		return m.Clone(), nil
	}
	return domain.Market{}, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
}

// MarketByRef returns the market with the given string identifier, the one
// change notifications carry.
func (e *Engine) MarketByRef(id string) (domain.Market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.state.Markets {
		if e.state.Markets[i].ID == id {
			return e.state.Markets[i].Clone(), nil
		}
	}
	return domain.Market{}, fmt.Errorf("engine: market %q: %w", id, domain.ErrNotFound)
}

// ActiveMarketsByGroup returns the group's unresolved markets.
func (e *Engine) ActiveMarketsByGroup(groupID string) []domain.Market {
	return e.marketsWhere(func(m *domain.Market) bool {
		return m.GroupID == groupID && !m.Resolved
	})
}

// ResolvedMarketsByGroup returns the group's resolved markets.
func (e *Engine) ResolvedMarketsByGroup(groupID string) []domain.Market {
	return e.marketsWhere(func(m *domain.Market) bool {
		return m.GroupID == groupID && m.Resolved
	})
}

// ActiveMarketsForUser returns unresolved markets across every group the
// user belongs to.
func (e *Engine) ActiveMarketsForUser(userID string) []domain.Market {
	e.mu.RLock()
	defer e.mu.RUnlock()

	groupIDs := make(map[string]bool)
	for i := range e.state.Groups {
		if e.state.Groups[i].HasMember(userID) {
			groupIDs[e.state.Groups[i].ID] = true
		}
	}

	var out []domain.Market
	for i := range e.state.Markets {
		m := &e.state.Markets[i]
		if groupIDs[m.GroupID] && !m.Resolved {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (e *Engine) marketsWhere(keep func(*domain.Market) bool) []domain.Market {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.Market
	for i := range e.state.Markets {
		if keep(&e.state.Markets[i]) {
			out = append(out, e.state.Markets[i].Clone())
		}
	}
	return out
}

// YesOdds returns the implied YES probability for a market as an integer
// percentage in [0,100], 50 when both pools are empty.
func (e *Engine) YesOdds(marketID int64) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := e.marketLocked(marketID)
	if m == nil {
		return 0, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	return yesPercentOf(m.YesPool, m.NoPool), nil
}

// NoOdds returns the implied NO probability, rounded independently of
// YesOdds; the two may not sum to exactly 100.
func (e *Engine) NoOdds(marketID int64) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := e.marketLocked(marketID)
	if m == nil {
		return 0, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	return yesPercentOf(m.NoPool, m.YesPool), nil
}

// PriceHistory returns the market's append-only price series.
func (e *Engine) PriceHistory(marketID int64) ([]domain.PricePoint, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := e.marketLocked(marketID)
	if m == nil {
		return nil, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	return append([]domain.PricePoint(nil), m.PriceHistory...), nil
}

// RecentTransactions returns up to limit transactions, newest first.
func (e *Engine) RecentTransactions(marketID int64, limit int) ([]domain.Transaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m := e.marketLocked(marketID)
	if m == nil {
		return nil, fmt.Errorf("engine: market %d: %w", marketID, domain.ErrNotFound)
	}
	txs := append([]domain.Transaction(nil), m.Transactions...)
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp > txs[j].Timestamp
	})
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}
