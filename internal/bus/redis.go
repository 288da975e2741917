package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/micromarkets/engine/internal/domain"
)

// Relay wraps a local bus and additionally publishes every change to a
// Redis Pub/Sub channel so other devices in the multi-device demo can
// re-render. Redis delivery is best-effort: a publish failure is logged
// and the local fan-out still happens.
//
// Redis echoes published messages back to every subscriber including the
// publisher, so each payload is stamped with the publishing process's
// instance ID and Run drops its own echoes. Local subscribers see each
// local mutation exactly once.
type Relay struct {
	local      domain.ChangeBus
	rdb        *redis.Client
	channel    string
	instanceID string
	logger     *slog.Logger
}

// relayEnvelope is the wire form on the Redis channel.
type relayEnvelope struct {
	Origin string        `json:"origin"`
	Change domain.Change `json:"change"`
}

// NewRelay creates a Relay on top of the given local bus.
func NewRelay(local domain.ChangeBus, rdb *redis.Client, channel string, logger *slog.Logger) *Relay {
	return &Relay{
		local:      local,
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger.With(slog.String("component", "change_relay")),
	}
}

// Publish delivers locally and then relays the stamped, JSON-encoded
// change to Redis.
func (r *Relay) Publish(ctx context.Context, change domain.Change) error {
	if err := r.local.Publish(ctx, change); err != nil {
		return err
	}

	payload, err := json.Marshal(relayEnvelope{Origin: r.instanceID, Change: change})
	if err != nil {
		return fmt.Errorf("bus: marshal change: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("redis relay publish failed",
			slog.String("event", change.Event),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Subscribe delegates to the local bus; remote changes arrive through Run.
func (r *Relay) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	return r.local.Subscribe(ctx)
}

// Run consumes changes published by other devices on the Redis channel and
// re-emits them on the local bus. It blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", r.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forwardRemote(ctx, msg.Payload)
		}
	}
}

// forwardRemote re-emits a change received from the Redis channel on the
// local bus, dropping messages this process published itself.
func (r *Relay) forwardRemote(ctx context.Context, payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("redis relay received malformed change",
			slog.String("error", err.Error()),
		)
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if err := r.local.Publish(ctx, env.Change); err != nil {
		r.logger.Warn("redis relay local publish failed",
			slog.String("error", err.Error()),
		)
	}
}
