package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

// GetOrCreateUser returns the user with the given name, creating it on
// first sign-in. Names are trimmed and must be non-empty; the trimmed name
// is the identifier.
func (e *Engine) GetOrCreateUser(name, pubkey string) (domain.User, error) {
	id := strings.TrimSpace(name)
	if id == "" {
		return domain.User{}, fmt.Errorf("engine: user name is required: %w", domain.ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, u := range e.state.Users {
		if u.ID == id {
			return u, nil
		}
	}

	user := domain.User{ID: id, Name: id, Pubkey: pubkey}
	e.state.Users = append(e.state.Users, user)
	e.commitLocked(domain.Change{Event: domain.EventUserCreated, UserID: id})

	e.logger.Info("user created", slog.String("user", id))
	return user, nil
}

// UserByID returns the user with the given identifier.
func (e *Engine) UserByID(id string) (domain.User, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, u := range e.state.Users {
		if u.ID == id {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("engine: user %q: %w", id, domain.ErrNotFound)
}

// Balance returns the cached spendable balance for a user, zero when
// unknown. The cache is authoritative for all in-app spending decisions.
func (e *Engine) Balance(userID string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.BalanceCache[userID]
}

// SetBalance overwrites a user's cached balance. Last writer wins.
func (e *Engine) SetBalance(userID string, balance decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.BalanceCache[userID] = balance
}

// RefreshBalance asks the external balance provider for a fresh value and
// overwrites the cache. The cache is left untouched on provider failure.
func (e *Engine) RefreshBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, err := e.chain.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("engine: refresh balance for %q: %w", userID, err)
	}

	e.mu.Lock()
	e.state.BalanceCache[userID] = balance
	e.mu.Unlock()

	return balance, nil
}

// creditLocked adds amount to a user's cached balance. Callers must hold
// the write lock.
func (e *Engine) creditLocked(userID string, amount decimal.Decimal) {
	e.state.BalanceCache[userID] = e.state.BalanceCache[userID].Add(amount)
}

// debitLocked subtracts amount from a user's cached balance. Callers must
// hold the write lock and have verified sufficiency.
func (e *Engine) debitLocked(userID string, amount decimal.Decimal) {
	e.state.BalanceCache[userID] = e.state.BalanceCache[userID].Sub(amount)
}
