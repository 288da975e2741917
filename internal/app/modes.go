package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// FullMode runs everything: the persistence gateway, the Redis relay when
// configured, the WebSocket hub, and the complete HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in full mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(deps.Gateway.Run(ctx))
	})

	if deps.Relay != nil {
		g.Go(func() error {
			return ignoreCanceled(deps.Relay.Run(ctx))
		})
	}

	g.Go(func() error {
		return ignoreCanceled(deps.Hub.Run(ctx))
	})

	g.Go(func() error {
		return ignoreCanceled(deps.Notifier.Run(ctx))
	})

	a.startHTTPServer(ctx, g, deps)

	return ignoreCanceled(g.Wait())
}

// MirrorMode runs a reduced instance that only persists uploaded state
// blobs and records audited trades for its peers.
func (a *App) MirrorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "running in mirror mode")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(deps.Gateway.Run(ctx))
	})

	if deps.Relay != nil {
		g.Go(func() error {
			return ignoreCanceled(deps.Relay.Run(ctx))
		})
	}

	a.startHTTPServer(ctx, g, deps)

	return ignoreCanceled(g.Wait())
}

// startHTTPServer adds the HTTP server goroutine plus a watcher that shuts
// it down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return deps.Server.Shutdown(shutdownCtx)
	})
}

// ignoreCanceled maps a clean context cancellation to nil so ordinary
// shutdown does not surface as an error.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
