package domain

import "github.com/shopspring/decimal"

// State is the full settlement aggregate: every user, group, market, the
// balance cache, and the market-id counter. It is the unit of persistence;
// the gateway serializes it wholesale as an opaque blob.
//
// The engine owns the live instance; copies handed to collaborators are
// always deep clones.
type State struct {
	Users           []User                     `json:"users"`
	Groups          []Group                    `json:"groups"`
	Markets         []Market                   `json:"markets"`
	BalanceCache    map[string]decimal.Decimal `json:"balanceCache"`
	MarketIDCounter int64                      `json:"marketIdCounter"`
}

// NewState returns an empty aggregate with allocated collections.
func NewState() State {
	return State{
		BalanceCache: make(map[string]decimal.Decimal),
	}
}

// Clone returns a deep copy of the aggregate.
func (s *State) Clone() State {
	out := State{
		Users:           append([]User(nil), s.Users...),
		Groups:          make([]Group, 0, len(s.Groups)),
		Markets:         make([]Market, 0, len(s.Markets)),
		BalanceCache:    make(map[string]decimal.Decimal, len(s.BalanceCache)),
		MarketIDCounter: s.MarketIDCounter,
	}
	for i := range s.Groups {
		out.Groups = append(out.Groups, s.Groups[i].Clone())
	}
	for i := range s.Markets {
		out.Markets = append(out.Markets, s.Markets[i].Clone())
	}
	for user, bal := range s.BalanceCache {
		out.BalanceCache[user] = bal
	}
	return out
}

// Normalize allocates any nil collections after JSON decoding so callers
// never have to nil-check maps loaded from an older blob.
func (s *State) Normalize() {
	if s.BalanceCache == nil {
		s.BalanceCache = make(map[string]decimal.Decimal)
	}
	for i := range s.Markets {
		if s.Markets[i].Positions == nil {
			s.Markets[i].Positions = make(map[string]Position)
		}
	}
}
