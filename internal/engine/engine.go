// Package engine implements the settlement core: group registry, balance
// ledger, and the market state machine with parimutuel payout distribution.
//
// All monetary values use shopspring/decimal, never float64.
//
// A single RWMutex serializes every mutation, so two near-simultaneous
// trades for the same user can never both pass the balance-sufficiency
// check against a stale balance. Mutations commit in memory first; the
// snapshot is then handed to the committer (persistence gateway) whose
// failures never roll the mutation back.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/micromarkets/engine/internal/domain"
)

// Engine owns the settlement aggregate. It is safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	state domain.State

	chain     domain.Chain
	audit     domain.AuditSink
	committer domain.Committer
	logger    *slog.Logger

	now func() time.Time
}

// New creates an Engine with an empty aggregate. Callers typically Hydrate
// from the persistence gateway before serving requests.
func New(chain domain.Chain, audit domain.AuditSink, committer domain.Committer, logger *slog.Logger) *Engine {
	return &Engine{
		state:     domain.NewState(),
		chain:     chain,
		audit:     audit,
		committer: committer,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
	}
}

// Hydrate replaces the in-memory aggregate wholesale and fires one change
// notification. It does not write back to persistence; the state came from
// there.
func (e *Engine) Hydrate(state domain.State) {
	state.Normalize()

	e.mu.Lock()
	e.state = state
	e.mu.Unlock()

	e.committer.Notify(domain.Change{Event: domain.EventStateHydrated})
	e.logger.Info("state hydrated",
		slog.Int("users", len(state.Users)),
		slog.Int("groups", len(state.Groups)),
		slog.Int("markets", len(state.Markets)),
	)
}

// Reset clears the entire aggregate, persists the empty state, and
// notifies. Balances, groups, and markets are all discarded.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.state = domain.NewState()
	e.commitLocked(domain.Change{Event: domain.EventStateReset})
	e.mu.Unlock()

	e.logger.Info("state reset")
}

// Snapshot returns a deep copy of the current aggregate.
func (e *Engine) Snapshot() domain.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

// commitLocked snapshots the aggregate and hands it to the committer.
// Callers must hold the write lock; committing under the lock keeps the
// gateway's save order identical to mutation order.
func (e *Engine) commitLocked(change domain.Change) {
	e.committer.Commit(e.state.Clone(), change)
}

// nowMillis returns the current wall clock in unix milliseconds.
func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

// nextMarketIDLocked returns the next market identifier without reserving
// it. The counter is seeded from wall-clock seconds the first time it is
// used so identifiers stay unique across process restarts absent clock
// rollback. Callers reserve the identifier with claimMarketIDLocked once
// the creation is certain to commit, so a failed chain call does not
// consume it.
func (e *Engine) nextMarketIDLocked() int64 {
	if e.state.MarketIDCounter == 0 {
		e.state.MarketIDCounter = e.now().Unix()
	}
	return e.state.MarketIDCounter
}

func (e *Engine) claimMarketIDLocked() {
	e.state.MarketIDCounter++
}

// marketLocked finds a market by numeric identifier. Callers must hold at
// least a read lock.
func (e *Engine) marketLocked(marketID int64) *domain.Market {
	for i := range e.state.Markets {
		if e.state.Markets[i].MarketID == marketID {
			return &e.state.Markets[i]
		}
	}
	return nil
}

// groupLocked finds a group by identifier. Callers must hold at least a
// read lock.
func (e *Engine) groupLocked(groupID string) *domain.Group {
	for i := range e.state.Groups {
		if e.state.Groups[i].ID == groupID {
			return &e.state.Groups[i]
		}
	}
	return nil
}
