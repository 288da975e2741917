package domain

import "github.com/shopspring/decimal"

// Side identifies which pool of a binary market a stake belongs to.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is one of the two recognised sides.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Outcome is the resolved result of a market. The empty string means the
// market has not been resolved yet.
type Outcome string

const (
	OutcomeUnset Outcome = ""
	OutcomeYes   Outcome = "YES"
	OutcomeNo    Outcome = "NO"
)

// Position is a single user's dollar stake in each pool of one market.
type Position struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// PricePoint records the implied YES probability at a moment in time.
// One point is appended per trade; the percentage reflects the pool state
// just before that trade's increment.
type PricePoint struct {
	Timestamp  int64 `json:"timestamp"` // unix milliseconds
	YesPercent int   `json:"yesPercent"`
}

// TransactionType distinguishes buys from sells in the trade log. Trading
// currently only exercises buys; sells exist for chain-sourced history.
type TransactionType string

const (
	TransactionBuy  TransactionType = "buy"
	TransactionSell TransactionType = "sell"
)

// Transaction is one entry in a market's append-only trade log.
type Transaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	Type      TransactionType `json:"type"`
}

// Market is a binary YES/NO prediction market owned by a group.
//
// Invariant: YesPool and NoPool are always >= 0, and the sum of every
// user's yes stake equals YesPool (symmetrically for no). Pool totals are
// dollars, tracked locally; the chain collaborator is never the source of
// truth for pool math.
type Market struct {
	ID           string              `json:"id"` // decimal string of MarketID
	MarketID     int64               `json:"marketId"`
	GroupID      string              `json:"groupId"`
	Question     string              `json:"question"`
	CreatorID    string              `json:"creatorId"`
	YesPool      decimal.Decimal     `json:"yesPool"`
	NoPool       decimal.Decimal     `json:"noPool"`
	Positions    map[string]Position `json:"positions"`
	Resolved     bool                `json:"resolved"`
	Outcome      Outcome             `json:"outcome,omitempty"`
	PriceHistory []PricePoint        `json:"priceHistory"`
	Transactions []Transaction       `json:"transactions"`
}

// TotalPool returns the combined dollar value of both pools.
func (m *Market) TotalPool() decimal.Decimal {
	return m.YesPool.Add(m.NoPool)
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() Market {
	out := *m
	out.Positions = make(map[string]Position, len(m.Positions))
	for user, pos := range m.Positions {
		out.Positions[user] = pos
	}
	out.PriceHistory = append([]PricePoint(nil), m.PriceHistory...)
	out.Transactions = append([]Transaction(nil), m.Transactions...)
	return out
}
