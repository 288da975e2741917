// Package chain provides implementations of the on-chain market
// collaborator. The engine treats every implementation as advisory: local
// pool math is the single source of truth no matter which one is plugged
// in.
package chain

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

// DefaultSeedBalance is the play-money balance the stub provider reports
// for every user.
const DefaultSeedBalance = 1000

// Stub is a no-op chain used until a real program integration lands. It
// accepts all submissions and reports a fixed balance and zeroed market
// data, matching what the engine expects from a stubbed source.
type Stub struct {
	seedBalance decimal.Decimal
}

// NewStub creates a Stub reporting seedBalance dollars for every user. A
// non-positive seedBalance falls back to DefaultSeedBalance.
func NewStub(seedBalance decimal.Decimal) *Stub {
	if !seedBalance.IsPositive() {
		seedBalance = decimal.NewFromInt(DefaultSeedBalance)
	}
	return &Stub{seedBalance: seedBalance}
}

func (s *Stub) GetBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	return s.seedBalance, nil
}

func (s *Stub) CreateMarket(_ context.Context, _ string, _ int64, _ string, _ int64) error {
	return nil
}

func (s *Stub) BuyShares(_ context.Context, _ string, _ int64, _ bool, _ decimal.Decimal, _ int) error {
	return nil
}

func (s *Stub) ResolveMarket(_ context.Context, _ string, _ int64, _ bool) error {
	return nil
}

func (s *Stub) GetMarket(_ context.Context, marketID int64) (domain.ChainMarket, error) {
	return domain.ChainMarket{ID: marketID}, nil
}

func (s *Stub) GetPosition(_ context.Context, _ string, _ int64) (domain.ChainPosition, error) {
	return domain.ChainPosition{}, nil
}

func (s *Stub) GetTradesForMarket(_ context.Context, _ int64) ([]domain.ChainTrade, error) {
	return nil, nil
}

var _ domain.Chain = (*Stub)(nil)
