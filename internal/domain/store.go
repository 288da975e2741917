package domain

import "context"

// StateStore persists the settlement aggregate as a single opaque blob.
type StateStore interface {
	// Load returns the persisted aggregate. The boolean is false when no
	// blob has been saved yet; that is not an error.
	Load(ctx context.Context) (State, bool, error)
	// Save replaces the persisted aggregate wholesale.
	Save(ctx context.Context, state State) error
	Close() error
}

// Change is a notification that some part of the aggregate mutated.
// Presentation layers re-read derived views when they receive one.
type Change struct {
	Event    string `json:"event"`
	GroupID  string `json:"groupId,omitempty"`
	MarketID string `json:"marketId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// Change event names published by the engine and gateway.
const (
	EventUserCreated     = "user_created"
	EventGroupCreated    = "group_created"
	EventGroupJoined     = "group_joined"
	EventMarketCreated   = "market_created"
	EventTradeExecuted   = "trade_executed"
	EventMarketResolved  = "market_resolved"
	EventMarketRefreshed = "market_refreshed"
	EventStateHydrated   = "state_hydrated"
	EventStateReset      = "state_reset"
)

// ChangeBus is the process-wide publish/subscribe channel for Change
// notifications.
type ChangeBus interface {
	Publish(ctx context.Context, change Change) error
	// Subscribe returns a channel of changes. The channel is closed when
	// ctx is cancelled. Slow subscribers may miss changes; delivery is
	// best-effort, never blocking the publisher.
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// Committer accepts a committed state snapshot together with the change that
// produced it. The in-memory mutation has already happened by the time
// Commit is called; persistence and notification are the committer's
// concern and their failures never roll the mutation back.
type Committer interface {
	Commit(state State, change Change)
	// Notify publishes a change without persisting anything, for mutations
	// whose state already lives in persistence (hydration).
	Notify(change Change)
}
