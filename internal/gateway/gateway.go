// Package gateway implements the persistence gateway: a single-writer
// worker that serializes committed state snapshots to the local state
// store, best-effort mirrors them to an optional remote store, optionally
// archives them to object storage, and publishes one change notification
// per commit after the save attempt.
//
// Persistence is deliberately decoupled from the mutation that triggered
// it: the in-memory state is already committed by the time a snapshot
// reaches this worker, and a failed save is logged, never surfaced to the
// caller of the triggering operation.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/micromarkets/engine/internal/domain"
)

// Archiver receives periodic state snapshots for cold storage. Failures
// are logged and swallowed.
type Archiver interface {
	ArchiveState(ctx context.Context, state domain.State) error
}

// commitQueueSize bounds the number of in-flight commits. A full queue
// applies backpressure to the engine rather than dropping snapshots, so
// save order always matches mutation order.
const commitQueueSize = 128

// saveTimeout bounds each store write during shutdown drain.
const saveTimeout = 5 * time.Second

type commit struct {
	state  *domain.State  // nil for notify-only commits and flush probes
	change *domain.Change // nil for flush probes
	done   chan struct{}  // non-nil for flush probes
}

// Config carries the gateway's collaborators. Store and Bus are required;
// Mirror and Archiver are optional.
type Config struct {
	Store    domain.StateStore
	Mirror   domain.StateStore
	Archiver Archiver
	Bus      domain.ChangeBus
}

// Gateway is the persistence gateway. It implements domain.Committer.
type Gateway struct {
	store    domain.StateStore
	mirror   domain.StateStore
	archiver Archiver
	bus      domain.ChangeBus
	logger   *slog.Logger
	commits  chan commit
}

// New creates a Gateway. Run must be started for commits to be processed.
func New(cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:    cfg.Store,
		mirror:   cfg.Mirror,
		archiver: cfg.Archiver,
		bus:      cfg.Bus,
		logger:   logger.With(slog.String("component", "gateway")),
		commits:  make(chan commit, commitQueueSize),
	}
}

// Commit enqueues a state snapshot for persistence followed by exactly one
// change notification. It blocks only when the queue is full.
func (g *Gateway) Commit(state domain.State, change domain.Change) {
	g.commits <- commit{state: &state, change: &change}
}

// Notify enqueues a change notification without persisting anything.
func (g *Gateway) Notify(change domain.Change) {
	g.commits <- commit{change: &change}
}

// Flush blocks until every commit enqueued before the call has been
// processed, or ctx is cancelled.
func (g *Gateway) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case g.commits <- commit{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hydrate loads the persisted aggregate, preferring the local store and
// falling back to the mirror when the local store has no blob yet. The
// boolean is false when neither has state.
func (g *Gateway) Hydrate(ctx context.Context) (domain.State, bool, error) {
	state, ok, err := g.store.Load(ctx)
	if err != nil {
		return domain.State{}, false, fmt.Errorf("gateway: load state: %w", err)
	}
	if ok {
		state.Normalize()
		return state, true, nil
	}

	if g.mirror != nil {
		state, ok, err = g.mirror.Load(ctx)
		if err != nil {
			g.logger.Warn("mirror load failed", slog.String("error", err.Error()))
			return domain.State{}, false, nil
		}
		if ok {
			state.Normalize()
			g.logger.Info("hydrated from mirror")
			return state, true, nil
		}
	}
	return domain.State{}, false, nil
}

// Run processes commits until ctx is cancelled, then drains whatever is
// already queued so a shutdown does not lose the latest snapshot.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			g.drain()
			return ctx.Err()
		case c := <-g.commits:
			g.process(ctx, c)
		}
	}
}

// drain processes queued commits with a detached context after shutdown.
func (g *Gateway) drain() {
	for {
		select {
		case c := <-g.commits:
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			g.process(ctx, c)
			cancel()
		default:
			return
		}
	}
}

func (g *Gateway) process(ctx context.Context, c commit) {
	if c.done != nil {
		close(c.done)
		return
	}

	if c.state != nil {
		if err := g.store.Save(ctx, *c.state); err != nil {
			// In-memory state stays authoritative for the session.
			g.logger.Error("state save failed", slog.String("error", err.Error()))
		}
		if g.mirror != nil {
			if err := g.mirror.Save(ctx, *c.state); err != nil {
				g.logger.Warn("mirror save failed", slog.String("error", err.Error()))
			}
		}
		if g.archiver != nil {
			if err := g.archiver.ArchiveState(ctx, *c.state); err != nil {
				g.logger.Warn("snapshot archive failed", slog.String("error", err.Error()))
			}
		}
	}

	if c.change != nil {
		if err := g.bus.Publish(ctx, *c.change); err != nil {
			g.logger.Warn("change publish failed",
				slog.String("event", c.change.Event),
				slog.String("error", err.Error()),
			)
		}
	}
}
