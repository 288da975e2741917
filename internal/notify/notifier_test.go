package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/bus"
	"github.com/micromarkets/engine/internal/domain"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fail  bool
	calls chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.mu.Lock()
	f.sent = append(f.sent, title+": "+message)
	f.mu.Unlock()
	f.calls <- struct{}{}
	if f.fail {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeDirectory struct {
	group  domain.Group
	market domain.Market
}

func (d *fakeDirectory) GroupByID(id string) (domain.Group, error) {
	if id != d.group.ID {
		return domain.Group{}, domain.ErrNotFound
	}
	return d.group, nil
}

func (d *fakeDirectory) MarketByRef(id string) (domain.Market, error) {
	if id != d.market.ID {
		return domain.Market{}, domain.ErrNotFound
	}
	return d.market, nil
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		group: domain.Group{ID: "g1", Name: "Friday Club"},
		market: domain.Market{
			ID:       "m1",
			MarketID: 1,
			Question: "Will it rain tomorrow?",
			YesPool:  decimal.NewFromInt(60),
			NoPool:   decimal.NewFromInt(40),
			Outcome:  domain.OutcomeYes,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCall(t *testing.T, sender *fakeSender) {
	t.Helper()
	select {
	case <-sender.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNotifierDeliversPhrasedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changeBus := bus.NewLocal()
	sender := newFakeSender()
	n := New([]Sender{sender}, nil, changeBus, testDirectory(), discardLogger())

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)

	changes := []domain.Change{
		{Event: domain.EventGroupCreated, GroupID: "g1", UserID: "alice"},
		{Event: domain.EventGroupJoined, GroupID: "g1", UserID: "bob"},
		{Event: domain.EventMarketCreated, MarketID: "m1", UserID: "alice"},
		{Event: domain.EventMarketResolved, MarketID: "m1", UserID: "alice"},
	}
	for _, change := range changes {
		if err := changeBus.Publish(ctx, change); err != nil {
			t.Fatalf("Publish(%s): %v", change.Event, err)
		}
		waitForCall(t, sender)
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want nil or context.Canceled", err)
	}

	got := sender.messages()
	want := []string{
		`New group: alice started the group "Friday Club".`,
		`New member: bob joined "Friday Club".`,
		"New market: alice asks: Will it rain tomorrow?",
		`Market resolved: "Will it rain tomorrow?" settled YES. Pool: 100.00.`,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNotifierFiltersEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changeBus := bus.NewLocal()
	sender := newFakeSender()
	n := New([]Sender{sender}, []string{domain.EventMarketResolved}, changeBus, testDirectory(), discardLogger())

	go func() { _ = n.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	_ = changeBus.Publish(ctx, domain.Change{Event: domain.EventGroupCreated, GroupID: "g1", UserID: "alice"})
	_ = changeBus.Publish(ctx, domain.Change{Event: domain.EventMarketResolved, MarketID: "m1", UserID: "alice"})
	waitForCall(t, sender)

	got := sender.messages()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1: %v", len(got), got)
	}
	if got[0] != `Market resolved: "Will it rain tomorrow?" settled YES. Pool: 100.00.` {
		t.Errorf("unexpected message %q", got[0])
	}
}

func TestNotifierSkipsUnphraseableEvents(t *testing.T) {
	n := New(nil, nil, bus.NewLocal(), testDirectory(), discardLogger())

	for _, event := range []string{domain.EventTradeExecuted, domain.EventStateHydrated, domain.EventStateReset} {
		if _, _, ok := n.phrase(domain.Change{Event: event}); ok {
			t.Errorf("phrase(%s) produced a message, want none", event)
		}
	}

	// Unresolvable references are dropped rather than announced half-empty.
	if _, _, ok := n.phrase(domain.Change{Event: domain.EventGroupCreated, GroupID: "missing"}); ok {
		t.Error("phrase with unknown group produced a message, want none")
	}
}

func TestNotifierDispatchContinuesPastFailure(t *testing.T) {
	failing := newFakeSender()
	failing.fail = true
	healthy := newFakeSender()

	n := New([]Sender{failing, healthy}, nil, bus.NewLocal(), testDirectory(), discardLogger())

	err := n.dispatch(context.Background(), "New group", "test")
	if err == nil {
		t.Fatal("dispatch with a failing sender returned nil error")
	}
	if len(healthy.messages()) != 1 {
		t.Errorf("healthy sender got %d messages, want 1", len(healthy.messages()))
	}
}
