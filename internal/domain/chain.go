package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ChainMarket is the chain collaborator's view of a market. Pool totals
// reported here are advisory; local pool math is authoritative.
type ChainMarket struct {
	ID             int64
	Question       string
	CloseTime      int64
	Resolved       bool
	Outcome        *bool // nil until resolved; true = YES
	TotalYesShares decimal.Decimal
	TotalNoShares  decimal.Decimal
	Authority      string
}

// ChainTrade is a single trade reported by the chain collaborator.
type ChainTrade struct {
	MarketID  int64
	UserID    string
	Yes       bool
	Amount    decimal.Decimal
	Price     int
	Timestamp int64 // unix seconds
	IsBuy     bool
}

// ChainPosition is a user's per-market position as reported by the chain.
type ChainPosition struct {
	YesShares decimal.Decimal
	NoShares  decimal.Decimal
}

// Chain is the on-chain market collaborator. Implementations may be fully
// stubbed; the engine does not depend on them returning non-trivial data
// for the correctness of local pool accounting. A chain error fails the
// enclosing operation before any local mutation.
type Chain interface {
	// GetBalance is the external balance provider. Values are dollars and
	// assumed non-negative.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	CreateMarket(ctx context.Context, userID string, marketID int64, question string, closeTime int64) error
	BuyShares(ctx context.Context, userID string, marketID int64, yes bool, amount decimal.Decimal, price int) error
	ResolveMarket(ctx context.Context, userID string, marketID int64, outcome bool) error
	GetMarket(ctx context.Context, marketID int64) (ChainMarket, error)
	GetPosition(ctx context.Context, userID string, marketID int64) (ChainPosition, error)
	GetTradesForMarket(ctx context.Context, marketID int64) ([]ChainTrade, error)
}

// AuditSink receives best-effort trade notifications for transparency
// logging. It is invoked after a trade has committed; failures are logged
// and swallowed, never rolling back the trade.
type AuditSink interface {
	RecordTrade(ctx context.Context, marketID int64, side Side, amount decimal.Decimal) error
}
