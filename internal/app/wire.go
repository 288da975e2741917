package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/audit"
	s3blob "github.com/micromarkets/engine/internal/blob/s3"
	"github.com/micromarkets/engine/internal/bus"
	cacheredis "github.com/micromarkets/engine/internal/cache/redis"
	"github.com/micromarkets/engine/internal/chain"
	"github.com/micromarkets/engine/internal/config"
	"github.com/micromarkets/engine/internal/domain"
	"github.com/micromarkets/engine/internal/engine"
	"github.com/micromarkets/engine/internal/gateway"
	"github.com/micromarkets/engine/internal/notify"
	"github.com/micromarkets/engine/internal/server"
	"github.com/micromarkets/engine/internal/server/handler"
	"github.com/micromarkets/engine/internal/server/ws"
	"github.com/micromarkets/engine/internal/store/postgres"
	"github.com/micromarkets/engine/internal/store/remote"
	"github.com/micromarkets/engine/internal/store/sqlite"
)

const mirrorTimeout = 10 * time.Second

// Dependencies bundles everything the application modes need to operate.
// It is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Engine   *engine.Engine
	Gateway  *gateway.Gateway
	Bus      domain.ChangeBus
	Relay    *bus.Relay // nil unless Redis is enabled
	Hub      *ws.Hub
	Notifier *notify.Notifier
	Server   *server.Server
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Local store ---
	var store domain.StateStore
	switch cfg.Storage.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, func() { _ = pg.Close() })
		store = pg
	default:
		sq, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = sq.Close() })
		store = sq
	}

	// --- Remote mirror ---
	var mirror domain.StateStore
	if cfg.Mirror.Enabled {
		mirror = remote.New(cfg.Mirror.URL, cfg.Mirror.APIKey, mirrorTimeout)
	}

	// --- Change bus, optionally relayed over Redis ---
	local := bus.NewLocal()
	deps.Bus = local

	var rateLimiter *cacheredis.RateLimiter
	if cfg.Redis.Enabled {
		redisClient, err := cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Relay = bus.NewRelay(local, redisClient.Underlying(), cfg.Redis.Channel, logger)
		deps.Bus = deps.Relay
		rateLimiter = cacheredis.NewRateLimiter(redisClient)
	}

	// --- S3 snapshot archiver ---
	var archiver *s3blob.Archiver
	if cfg.S3.Enabled {
		a, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		archiver = a
	}

	// --- Persistence gateway ---
	gwCfg := gateway.Config{
		Store:  store,
		Mirror: mirror,
		Bus:    deps.Bus,
	}
	if archiver != nil {
		gwCfg.Archiver = archiver
	}
	deps.Gateway = gateway.New(gwCfg, logger)

	// --- Chain stub and audit sink ---
	chainStub := chain.NewStub(decimal.NewFromFloat(cfg.Chain.SeedBalance))

	var sink domain.AuditSink = audit.NopSink{}
	if cfg.Audit.URL != "" {
		sink = audit.NewHTTPSink(cfg.Audit.URL, 10*time.Second)
	}

	// --- Engine ---
	deps.Engine = engine.New(chainStub, sink, deps.Gateway, logger)

	// Hydrate from the local store, then the mirror, then the last S3
	// snapshot. A fresh deployment starts empty.
	state, ok, err := deps.Gateway.Hydrate(ctx)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: hydrate: %w", err)
	}
	if !ok && archiver != nil {
		state, ok, err = archiver.Latest(ctx)
		if err != nil {
			logger.Warn("wire: snapshot restore failed", slog.String("error", err.Error()))
			ok = false
		}
	}
	if ok {
		deps.Engine.Hydrate(state)
		logger.Info("state hydrated",
			slog.Int("users", len(state.Users)),
			slog.Int("groups", len(state.Groups)),
			slog.Int("markets", len(state.Markets)),
		)
	}

	// --- Outbound notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, deps.Bus, deps.Engine, logger.With(slog.String("component", "notify")))

	// --- HTTP server ---
	deps.Hub = ws.NewHub(deps.Bus, logger.With(slog.String("component", "ws")))

	serverLogger := logger.With(slog.String("component", "server"))
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(strings.ToLower(cfg.Mode), serverLogger),
		Groups:  handler.NewGroupHandler(deps.Engine, serverLogger),
		Markets: handler.NewMarketHandler(deps.Engine, serverLogger),
		State:   handler.NewStateHandler(deps.Engine, serverLogger),
		Audit:   handler.NewAuditHandler(serverLogger),
	}

	srvCfg := server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		MirrorOnly:  strings.ToLower(cfg.Mode) == "mirror",
	}
	if rateLimiter != nil && cfg.Server.RateLimit > 0 {
		srvCfg.RateLimiter = rateLimiter
		srvCfg.RateLimit = cfg.Server.RateLimit
		srvCfg.RateWindow = cfg.Server.RateWindow.Duration
	}
	deps.Server = server.New(srvCfg, handlers, deps.Hub, serverLogger)

	return deps, cleanup, nil
}
