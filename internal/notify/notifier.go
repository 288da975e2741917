// Package notify announces change events to external channels. Messages
// are dispatched to all registered senders (Telegram, Discord) and can be
// filtered by event type so groups receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/micromarkets/engine/internal/domain"
)

// Sender is the interface each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier, e.g. "telegram".
	Name() string
}

// Directory resolves the identifiers carried by change events to their
// display data.
type Directory interface {
	GroupByID(id string) (domain.Group, error)
	MarketByRef(id string) (domain.Market, error)
}

// Notifier subscribes to the change bus and forwards selected events to its
// senders. An empty event list forwards everything it knows how to phrase.
type Notifier struct {
	senders   []Sender
	events    map[string]bool
	bus       domain.ChangeBus
	directory Directory
	logger    *slog.Logger
}

// New creates a Notifier delivering to the given senders. Only events whose
// name appears in events are forwarded; an empty slice allows all.
func New(senders []Sender, events []string, bus domain.ChangeBus, directory Directory, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:   senders,
		events:    allowed,
		bus:       bus,
		directory: directory,
		logger:    logger.With(slog.String("component", "notifier")),
	}
}

// Run consumes the change stream until ctx is cancelled. Delivery failures
// are logged and never interrupt the loop.
func (n *Notifier) Run(ctx context.Context) error {
	if len(n.senders) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	changes, err := n.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if len(n.events) > 0 && !n.events[change.Event] {
				continue
			}
			title, message, ok := n.phrase(change)
			if !ok {
				continue
			}
			if err := n.dispatch(ctx, title, message); err != nil {
				n.logger.WarnContext(ctx, "notification failed",
					slog.String("event", change.Event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// phrase turns a change into a human-readable notification. Events without
// a social meaning (hydration, refresh) produce nothing.
func (n *Notifier) phrase(change domain.Change) (title, message string, ok bool) {
	switch change.Event {
	case domain.EventGroupCreated:
		group, err := n.directory.GroupByID(change.GroupID)
		if err != nil {
			return "", "", false
		}
		return "New group", fmt.Sprintf("%s started the group %q.", change.UserID, group.Name), true

	case domain.EventGroupJoined:
		group, err := n.directory.GroupByID(change.GroupID)
		if err != nil {
			return "", "", false
		}
		return "New member", fmt.Sprintf("%s joined %q.", change.UserID, group.Name), true

	case domain.EventMarketCreated:
		market, err := n.directory.MarketByRef(change.MarketID)
		if err != nil {
			return "", "", false
		}
		return "New market", fmt.Sprintf("%s asks: %s", change.UserID, market.Question), true

	case domain.EventMarketResolved:
		market, err := n.directory.MarketByRef(change.MarketID)
		if err != nil {
			return "", "", false
		}
		return "Market resolved",
			fmt.Sprintf("%q settled %s. Pool: %s.", market.Question, market.Outcome, market.TotalPool().StringFixed(2)),
			true

	default:
		return "", "", false
	}
}

// dispatch fans the message out to every sender; one failure does not stop
// delivery to the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
