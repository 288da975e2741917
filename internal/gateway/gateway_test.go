package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/domain"
)

type fakeStore struct {
	mu     sync.Mutex
	saved  []domain.State
	state  *domain.State
	failOn error
}

func (f *fakeStore) Load(context.Context) (domain.State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		return domain.State{}, false, f.failOn
	}
	if f.state == nil {
		return domain.State{}, false, nil
	}
	return f.state.Clone(), true, nil
}

func (f *fakeStore) Save(_ context.Context, s domain.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		return f.failOn
	}
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type captureBus struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (b *captureBus) Publish(_ context.Context, c domain.Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, c)
	return nil
}

func (b *captureBus) Subscribe(context.Context) (<-chan domain.Change, error) {
	return nil, errors.New("not implemented")
}

func (b *captureBus) published() []domain.Change {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Change(nil), b.changes...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	g := New(cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return g
}

func testState(counter int64) domain.State {
	s := domain.NewState()
	s.MarketIDCounter = counter
	s.BalanceCache["alice"] = decimal.NewFromInt(100)
	return s
}

func TestGateway_CommitSavesThenNotifies(t *testing.T) {
	store := &fakeStore{}
	bus := &captureBus{}
	g := startGateway(t, Config{Store: store, Bus: bus})

	g.Commit(testState(1), domain.Change{Event: domain.EventGroupCreated})
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if store.saveCount() != 1 {
		t.Fatalf("got %d saves, want 1", store.saveCount())
	}
	changes := bus.published()
	if len(changes) != 1 || changes[0].Event != domain.EventGroupCreated {
		t.Fatalf("got changes %+v, want one group_created", changes)
	}
}

func TestGateway_NotificationFiresEvenWhenSaveFails(t *testing.T) {
	store := &fakeStore{failOn: errors.New("disk full")}
	bus := &captureBus{}
	g := startGateway(t, Config{Store: store, Bus: bus})

	g.Commit(testState(1), domain.Change{Event: domain.EventTradeExecuted})
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := bus.published(); len(got) != 1 {
		t.Fatalf("got %d changes, want 1 despite save failure", len(got))
	}
}

func TestGateway_NotifySkipsPersistence(t *testing.T) {
	store := &fakeStore{}
	bus := &captureBus{}
	g := startGateway(t, Config{Store: store, Bus: bus})

	g.Notify(domain.Change{Event: domain.EventStateHydrated})
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if store.saveCount() != 0 {
		t.Fatalf("got %d saves, want 0", store.saveCount())
	}
	if got := bus.published(); len(got) != 1 {
		t.Fatalf("got %d changes, want 1", len(got))
	}
}

func TestGateway_OneNotificationPerCommit(t *testing.T) {
	store := &fakeStore{}
	bus := &captureBus{}
	g := startGateway(t, Config{Store: store, Bus: bus})

	const n = 10
	for i := 0; i < n; i++ {
		g.Commit(testState(int64(i)), domain.Change{Event: domain.EventTradeExecuted})
	}
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if store.saveCount() != n {
		t.Errorf("got %d saves, want %d", store.saveCount(), n)
	}
	if got := bus.published(); len(got) != n {
		t.Errorf("got %d changes, want %d", len(got), n)
	}
}

func TestGateway_MirrorFailureIsSwallowed(t *testing.T) {
	store := &fakeStore{}
	mirror := &fakeStore{failOn: errors.New("server unreachable")}
	bus := &captureBus{}
	g := startGateway(t, Config{Store: store, Mirror: mirror, Bus: bus})

	g.Commit(testState(1), domain.Change{Event: domain.EventGroupJoined})
	if err := g.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if store.saveCount() != 1 {
		t.Errorf("local save missing: got %d", store.saveCount())
	}
	if got := bus.published(); len(got) != 1 {
		t.Errorf("got %d changes, want 1", len(got))
	}
}

func TestGateway_HydratePrefersLocal(t *testing.T) {
	local := testState(7)
	mirrorState := testState(9)
	store := &fakeStore{state: &local}
	mirror := &fakeStore{state: &mirrorState}
	g := New(Config{Store: store, Mirror: mirror, Bus: &captureBus{}}, discardLogger())

	got, ok, err := g.Hydrate(context.Background())
	if err != nil || !ok {
		t.Fatalf("Hydrate: ok=%v err=%v", ok, err)
	}
	if got.MarketIDCounter != 7 {
		t.Errorf("got counter %d, want local 7", got.MarketIDCounter)
	}
}

func TestGateway_HydrateFallsBackToMirror(t *testing.T) {
	mirrorState := testState(9)
	store := &fakeStore{}
	mirror := &fakeStore{state: &mirrorState}
	g := New(Config{Store: store, Mirror: mirror, Bus: &captureBus{}}, discardLogger())

	got, ok, err := g.Hydrate(context.Background())
	if err != nil || !ok {
		t.Fatalf("Hydrate: ok=%v err=%v", ok, err)
	}
	if got.MarketIDCounter != 9 {
		t.Errorf("got counter %d, want mirror 9", got.MarketIDCounter)
	}
}

func TestGateway_HydrateEmptyWhenNothingPersisted(t *testing.T) {
	g := New(Config{Store: &fakeStore{}, Bus: &captureBus{}}, discardLogger())

	_, ok, err := g.Hydrate(context.Background())
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if ok {
		t.Error("expected ok=false with no persisted blob")
	}
}

func TestGateway_FlushRespectsContext(t *testing.T) {
	// No Run loop: the queue never drains, so Flush must time out.
	g := New(Config{Store: &fakeStore{}, Bus: &captureBus{}}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Flush(ctx); err == nil {
		t.Fatal("expected context error from Flush without a running worker")
	}
}
