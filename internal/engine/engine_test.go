package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/micromarkets/engine/internal/chain"
	"github.com/micromarkets/engine/internal/domain"
)

// recordingCommitter captures commits synchronously so tests can assert on
// snapshots and change events without a running gateway.
type recordingCommitter struct {
	mu       sync.Mutex
	states   []domain.State
	changes  []domain.Change
	notifies []domain.Change
}

func (r *recordingCommitter) Commit(state domain.State, change domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.changes = append(r.changes, change)
}

func (r *recordingCommitter) Notify(change domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifies = append(r.notifies, change)
}

func (r *recordingCommitter) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recordingCommitter) lastChange() domain.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return domain.Change{}
	}
	return r.changes[len(r.changes)-1]
}

// failingChain wraps the stub and fails selected operations.
type failingChain struct {
	domain.Chain
	failBuy     bool
	failCreate  bool
	failResolve bool
}

var errChainDown = errors.New("rpc timeout")

func (f *failingChain) BuyShares(ctx context.Context, userID string, marketID int64, yes bool, amount decimal.Decimal, price int) error {
	if f.failBuy {
		return errChainDown
	}
	return f.Chain.BuyShares(ctx, userID, marketID, yes, amount, price)
}

func (f *failingChain) CreateMarket(ctx context.Context, userID string, marketID int64, question string, closeTime int64) error {
	if f.failCreate {
		return errChainDown
	}
	return f.Chain.CreateMarket(ctx, userID, marketID, question, closeTime)
}

func (f *failingChain) ResolveMarket(ctx context.Context, userID string, marketID int64, outcome bool) error {
	if f.failResolve {
		return errChainDown
	}
	return f.Chain.ResolveMarket(ctx, userID, marketID, outcome)
}

// failingAudit always errors; trades must still commit.
type failingAudit struct{}

func (failingAudit) RecordTrade(context.Context, int64, domain.Side, decimal.Decimal) error {
	return errors.New("ledger unreachable")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *recordingCommitter) {
	t.Helper()
	committer := &recordingCommitter{}
	e := New(chain.NewStub(decimal.Zero), failingAudit{}, committer, discardLogger())
	return e, committer
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// checkConservation asserts the core invariant: per-side position sums
// equal the pool totals.
func checkConservation(t *testing.T, m domain.Market) {
	t.Helper()
	var yesSum, noSum decimal.Decimal
	for _, pos := range m.Positions {
		yesSum = yesSum.Add(pos.Yes)
		noSum = noSum.Add(pos.No)
	}
	if !yesSum.Equal(m.YesPool) {
		t.Errorf("conservation broken: yes positions sum %s != yes pool %s", yesSum, m.YesPool)
	}
	if !noSum.Equal(m.NoPool) {
		t.Errorf("conservation broken: no positions sum %s != no pool %s", noSum, m.NoPool)
	}
}

// --- Users ---

func TestGetOrCreateUser(t *testing.T) {
	e, _ := newTestEngine(t)

	u, err := e.GetOrCreateUser("  alice  ", "")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if u.ID != "alice" {
		t.Errorf("ID = %q, want trimmed %q", u.ID, "alice")
	}

	again, err := e.GetOrCreateUser("alice", "")
	if err != nil {
		t.Fatalf("GetOrCreateUser second call: %v", err)
	}
	if again.ID != u.ID {
		t.Errorf("second call created a new user: %+v", again)
	}

	if _, err := e.GetOrCreateUser("   ", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("blank name: got %v, want ErrInvalidInput", err)
	}
}

// --- Groups ---

func TestCreateGroup_CreditsCreator(t *testing.T) {
	e, committer := newTestEngine(t)

	g, err := e.CreateGroup("Poker Night", dec(10), "alice")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if len(g.Members) != 1 || g.Members[0] != "alice" {
		t.Errorf("members = %v, want [alice]", g.Members)
	}
	if len(g.JoinCode) != 6 {
		t.Errorf("join code %q, want 6 characters", g.JoinCode)
	}
	if !e.Balance("alice").Equal(dec(10)) {
		t.Errorf("creator balance = %s, want 10", e.Balance("alice"))
	}
	if got := committer.lastChange().Event; got != domain.EventGroupCreated {
		t.Errorf("change event = %q, want %q", got, domain.EventGroupCreated)
	}
}

func TestCreateGroup_Validation(t *testing.T) {
	e, committer := newTestEngine(t)

	tests := []struct {
		name      string
		groupName string
		buyIn     decimal.Decimal
		creator   string
	}{
		{"empty name", "", dec(10), "alice"},
		{"zero buy-in", "g", decimal.Zero, "alice"},
		{"negative buy-in", "g", dec(-5), "alice"},
		{"no creator", "g", dec(10), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CreateGroup(tt.groupName, tt.buyIn, tt.creator); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
	if committer.commitCount() != 0 {
		t.Errorf("rejected operations committed %d times", committer.commitCount())
	}
}

func TestJoinFlow(t *testing.T) {
	e, _ := newTestEngine(t)

	g, err := e.CreateGroup("Poker Night", dec(10), "alice")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	// Join is case-insensitive on the code.
	joined, err := e.JoinGroup(toLower(g.JoinCode), "bob")
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if len(joined.Members) != 2 || joined.Members[0] != "alice" || joined.Members[1] != "bob" {
		t.Errorf("members = %v, want [alice bob]", joined.Members)
	}
	if !e.Balance("bob").Equal(dec(10)) {
		t.Errorf("bob balance = %s, want 10", e.Balance("bob"))
	}

	// Retry with the same code: no effect, reported as a no-op failure.
	if _, err := e.JoinGroup(g.JoinCode, "bob"); !errors.Is(err, domain.ErrAlreadyMember) {
		t.Fatalf("second join: got %v, want ErrAlreadyMember", err)
	}
	after, _ := e.GroupByID(g.ID)
	if len(after.Members) != 2 {
		t.Errorf("members after retry = %v", after.Members)
	}
	if !e.Balance("bob").Equal(dec(10)) {
		t.Errorf("bob balance changed on retry: %s", e.Balance("bob"))
	}

	if _, err := e.JoinGroup("ZZZZZZ", "carol"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown code: got %v, want ErrNotFound", err)
	}
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func TestJoinCodes_UniqueAcrossGroups(t *testing.T) {
	e, _ := newTestEngine(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		g, err := e.CreateGroup("g", dec(1), "alice")
		if err != nil {
			t.Fatalf("CreateGroup %d: %v", i, err)
		}
		if seen[g.JoinCode] {
			t.Fatalf("duplicate join code %q", g.JoinCode)
		}
		seen[g.JoinCode] = true
	}
}

func TestLeaderboard_SortedWithStableTies(t *testing.T) {
	e, _ := newTestEngine(t)

	g, _ := e.CreateGroup("g", dec(10), "alice")
	_, _ = e.JoinGroup(g.JoinCode, "bob")
	_, _ = e.JoinGroup(g.JoinCode, "carol")
	_, _ = e.JoinGroup(g.JoinCode, "dave")

	e.SetBalance("alice", dec(5))
	e.SetBalance("bob", dec(20))
	e.SetBalance("carol", dec(20))
	e.SetBalance("dave", dec(1))

	entries, err := e.Leaderboard(g.ID)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	want := []string{"bob", "carol", "alice", "dave"} // bob before carol: join order on tie
	for i, entry := range entries {
		if entry.UserID != want[i] {
			t.Fatalf("leaderboard = %v, want order %v", entries, want)
		}
	}
}

// --- Market creation ---

func setupGroup(t *testing.T, e *Engine, balance decimal.Decimal, users ...string) domain.Group {
	t.Helper()
	g, err := e.CreateGroup("g", dec(1), users[0])
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	for _, u := range users[1:] {
		if _, err := e.JoinGroup(g.JoinCode, u); err != nil {
			t.Fatalf("JoinGroup %s: %v", u, err)
		}
	}
	for _, u := range users {
		e.SetBalance(u, balance)
	}
	return g
}

func TestCreateMarket_SplitsStakeByProbability(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")

	m, err := e.CreateMarket(context.Background(), g.ID, "Will it rain?", "alice", 70, dec(100))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	if !m.YesPool.Equal(dec(70)) || !m.NoPool.Equal(dec(30)) {
		t.Errorf("pools = %s/%s, want 70/30", m.YesPool, m.NoPool)
	}
	pos := m.Positions["alice"]
	if !pos.Yes.Equal(dec(70)) || !pos.No.Equal(dec(30)) {
		t.Errorf("creator position = %+v, want {70 30}", pos)
	}
	if !e.Balance("alice").Equal(decimal.Zero) {
		t.Errorf("creator balance = %s, want 0 after 100 debit", e.Balance("alice"))
	}
	if len(m.PriceHistory) != 1 || m.PriceHistory[0].YesPercent != 70 {
		t.Errorf("price history = %+v, want single point at 70", m.PriceHistory)
	}
	checkConservation(t, m)
}

func TestCreateMarket_SplitRemainderGoesToNo(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")

	// floor(33% of 10) = 3, remainder 7; the two must sum to the stake.
	m, err := e.CreateMarket(context.Background(), g.ID, "q", "alice", 33, dec(10))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if !m.YesPool.Equal(dec(3)) || !m.NoPool.Equal(dec(7)) {
		t.Errorf("pools = %s/%s, want 3/7", m.YesPool, m.NoPool)
	}
	if !m.TotalPool().Equal(dec(10)) {
		t.Errorf("total pool = %s, want the full stake 10", m.TotalPool())
	}
}

func TestCreateMarket_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")
	ctx := context.Background()

	if _, err := e.CreateMarket(ctx, g.ID, "  ", "alice", 50, dec(10)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty question: got %v", err)
	}
	if _, err := e.CreateMarket(ctx, g.ID, "q", "alice", 101, dec(10)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("percent > 100: got %v", err)
	}
	if _, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, decimal.Zero); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("zero stake: got %v", err)
	}
	if _, err := e.CreateMarket(ctx, "nope", "q", "alice", 50, dec(10)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown group: got %v", err)
	}
	if _, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(1000)); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("stake beyond balance: got %v", err)
	}
}

func TestCreateMarket_ChainFailureLeavesNoTrace(t *testing.T) {
	committer := &recordingCommitter{}
	e := New(&failingChain{Chain: chain.NewStub(decimal.Zero), failCreate: true}, failingAudit{}, committer, discardLogger())
	g := setupGroup(t, e, dec(100), "alice")
	before := committer.commitCount()

	if _, err := e.CreateMarket(context.Background(), g.ID, "q", "alice", 50, dec(10)); err == nil {
		t.Fatal("expected chain failure to fail the operation")
	}
	if !e.Balance("alice").Equal(dec(100)) {
		t.Errorf("balance mutated on chain failure: %s", e.Balance("alice"))
	}
	if got := len(e.ActiveMarketsByGroup(g.ID)); got != 0 {
		t.Errorf("market created despite chain failure")
	}
	if committer.commitCount() != before {
		t.Errorf("failed operation committed state")
	}
}

func TestMarketIDs_MonotonicAndUnique(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(1000), "alice")
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		m, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(10))
		if err != nil {
			t.Fatalf("CreateMarket %d: %v", i, err)
		}
		if last != 0 && m.MarketID != last+1 {
			t.Errorf("market id %d does not follow %d", m.MarketID, last)
		}
		last = m.MarketID
	}
}

// --- Trading ---

func TestAddToPool(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	updated, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(20))
	if err != nil {
		t.Fatalf("AddToPool: %v", err)
	}

	if !updated.YesPool.Equal(dec(45)) { // 25 opening + 20
		t.Errorf("yes pool = %s, want 45", updated.YesPool)
	}
	if !updated.Positions["bob"].Yes.Equal(dec(20)) {
		t.Errorf("bob position = %+v", updated.Positions["bob"])
	}
	if !e.Balance("bob").Equal(dec(80)) {
		t.Errorf("bob balance = %s, want 80", e.Balance("bob"))
	}
	if len(updated.Transactions) != 1 {
		t.Fatalf("transactions = %+v, want one", updated.Transactions)
	}
	tx := updated.Transactions[0]
	if tx.UserID != "bob" || tx.Side != domain.SideYes || !tx.Amount.Equal(dec(20)) || tx.Type != domain.TransactionBuy {
		t.Errorf("transaction = %+v", tx)
	}
	checkConservation(t, updated)
}

func TestAddToPool_PricePointReflectsOddsBeforeTrade(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(1000), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(100)) // 50/50

	// Pools are 50/50 when this trade lands, so the recorded point must be
	// 50 even though the trade moves the odds to 75.
	updated, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(100))
	if err != nil {
		t.Fatalf("AddToPool: %v", err)
	}

	last := updated.PriceHistory[len(updated.PriceHistory)-1]
	if last.YesPercent != 50 {
		t.Errorf("recorded price = %d, want pre-trade 50", last.YesPercent)
	}
	odds, _ := e.YesOdds(m.MarketID)
	if odds != 75 {
		t.Errorf("post-trade odds = %d, want 75", odds)
	}
}

func TestAddToPool_InsufficientBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	e.SetBalance("bob", dec(5))

	_, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(10))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	after, _ := e.MarketByID(m.MarketID)
	if !after.YesPool.Equal(m.YesPool) || !after.NoPool.Equal(m.NoPool) {
		t.Errorf("pools changed: %s/%s", after.YesPool, after.NoPool)
	}
	if !e.Balance("bob").Equal(dec(5)) {
		t.Errorf("balance changed: %s", e.Balance("bob"))
	}
}

func TestAddToPool_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))

	if _, err := e.AddToPool(ctx, m.MarketID, "alice", "maybe", dec(1)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad side: got %v", err)
	}
	if _, err := e.AddToPool(ctx, m.MarketID, "alice", domain.SideYes, decimal.Zero); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := e.AddToPool(ctx, 42, "alice", domain.SideYes, dec(1)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown market: got %v", err)
	}
}

func TestAddToPool_ChainFailureLeavesNoTrace(t *testing.T) {
	fc := &failingChain{Chain: chain.NewStub(decimal.Zero)}
	committer := &recordingCommitter{}
	e := New(fc, failingAudit{}, committer, discardLogger())
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	fc.failBuy = true

	if _, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideNo, dec(10)); err == nil {
		t.Fatal("expected chain failure")
	}
	after, _ := e.MarketByID(m.MarketID)
	if !after.NoPool.Equal(m.NoPool) {
		t.Errorf("pool mutated on chain failure")
	}
	if !e.Balance("bob").Equal(dec(100)) {
		t.Errorf("balance mutated on chain failure: %s", e.Balance("bob"))
	}
}

func TestAddToPool_AuditFailureDoesNotRollBack(t *testing.T) {
	// The test engine already uses an always-failing audit sink.
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	if _, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(10)); err != nil {
		t.Fatalf("AddToPool failed on audit error: %v", err)
	}
	if !e.Balance("bob").Equal(dec(90)) {
		t.Errorf("balance = %s, want 90", e.Balance("bob"))
	}
}

func TestConcurrentTrades_CannotJointlyOverspend(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	e.SetBalance("bob", dec(10))

	// Two trades of $10 each: individually affordable, jointly not.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(10))
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			if !errors.Is(err, domain.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("got %d failures, want exactly 1", failures)
	}
	if !e.Balance("bob").Equal(decimal.Zero) {
		t.Errorf("bob balance = %s, want 0", e.Balance("bob"))
	}
	after, _ := e.MarketByID(m.MarketID)
	checkConservation(t, after)
}

// --- Odds ---

func TestOdds(t *testing.T) {
	tests := []struct {
		yes, no  float64
		wantYes  int
		wantNo   int
	}{
		{0, 0, 50, 50},
		{60, 40, 60, 40},
		{1, 2, 33, 67},
		{2, 1, 67, 33},
		{100, 0, 100, 0},
		{0, 100, 0, 100},
	}
	for _, tt := range tests {
		gotYes := yesPercentOf(dec(tt.yes), dec(tt.no))
		gotNo := yesPercentOf(dec(tt.no), dec(tt.yes))
		if gotYes != tt.wantYes || gotNo != tt.wantNo {
			t.Errorf("pools %v/%v: odds %d/%d, want %d/%d", tt.yes, tt.no, gotYes, gotNo, tt.wantYes, tt.wantNo)
		}
		if gotYes < 0 || gotYes > 100 || gotNo < 0 || gotNo > 100 {
			t.Errorf("odds out of [0,100]: %d/%d", gotYes, gotNo)
		}
	}
}

// --- Resolution ---

func TestResolveMarket_ParimutuelPayout(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	// alice stakes 60 all-YES, bob adds 40 NO: pools 60/40.
	m, err := e.CreateMarket(ctx, g.ID, "q", "alice", 100, dec(60))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if _, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideNo, dec(40)); err != nil {
		t.Fatalf("AddToPool: %v", err)
	}

	aliceBefore := e.Balance("alice") // 40 after staking 60
	bobBefore := e.Balance("bob")     // 60 after staking 40

	resolved, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice")
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if !resolved.Resolved || resolved.Outcome != domain.OutcomeYes {
		t.Errorf("market not marked resolved: %+v", resolved)
	}

	// multiplier = 100/60; alice gets round(60 * 100/60, 2) = 100.00.
	wantAlice := aliceBefore.Add(dec(100))
	if !e.Balance("alice").Equal(wantAlice) {
		t.Errorf("alice balance = %s, want %s", e.Balance("alice"), wantAlice)
	}
	if !e.Balance("bob").Equal(bobBefore) {
		t.Errorf("bob balance = %s, want unchanged %s", e.Balance("bob"), bobBefore)
	}
}

func TestResolveMarket_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 100, dec(50))
	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	balance := e.Balance("alice")

	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice"); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("second resolve: got %v, want ErrAlreadyResolved", err)
	}
	if !e.Balance("alice").Equal(balance) {
		t.Errorf("second resolve changed balance: %s -> %s", balance, e.Balance("alice"))
	}
}

func TestResolveMarket_RejectsNonCreator(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "bob"); !errors.Is(err, domain.ErrNotCreator) {
		t.Fatalf("got %v, want ErrNotCreator", err)
	}
	after, _ := e.MarketByID(m.MarketID)
	if after.Resolved {
		t.Error("market resolved by non-creator")
	}
}

func TestResolveMarket_EmptyWinningPoolForfeitsEverything(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")
	ctx := context.Background()

	// All 50 in YES, nobody on NO; resolving NO pays nobody.
	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 100, dec(50))
	before := e.Balance("alice")

	resolved, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeNo, "alice")
	if err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	if !resolved.Resolved {
		t.Error("market not resolved")
	}
	if !e.Balance("alice").Equal(before) {
		t.Errorf("balance = %s, want unchanged %s (pool forfeited)", e.Balance("alice"), before)
	}
}

func TestResolveMarket_TradeAfterResolutionRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(50))
	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice"); err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}

	if _, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(10)); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("got %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveMarket_PayoutRounding(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice", "bob", "carol")
	ctx := context.Background()

	// Pools: yes = 1 (alice) + 1 (bob) = 2, no = 1 (carol). Total 3.
	// Each yes dollar pays round(1 * 3/2, 2) = 1.50.
	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 100, dec(1))
	_, _ = e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(1))
	_, _ = e.AddToPool(ctx, m.MarketID, "carol", domain.SideNo, dec(1))

	aliceBefore := e.Balance("alice")
	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice"); err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	want := aliceBefore.Add(dec(1.50))
	if !e.Balance("alice").Equal(want) {
		t.Errorf("alice balance = %s, want %s", e.Balance("alice"), want)
	}
}

// --- Refresh ---

func TestRefreshMarket_KeepsLocalPoolsWhenChainIsEmpty(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(100), "alice")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 70, dec(100))

	refreshed, err := e.RefreshMarket(ctx, m.MarketID)
	if err != nil {
		t.Fatalf("RefreshMarket: %v", err)
	}
	if !refreshed.YesPool.Equal(dec(70)) || !refreshed.NoPool.Equal(dec(30)) {
		t.Errorf("refresh zeroed local pools: %s/%s", refreshed.YesPool, refreshed.NoPool)
	}
	checkConservation(t, refreshed)
}

// --- Queries ---

func TestMarketQueries(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(1000), "alice", "bob")
	ctx := context.Background()

	open, _ := e.CreateMarket(ctx, g.ID, "open?", "alice", 50, dec(10))
	done, _ := e.CreateMarket(ctx, g.ID, "done?", "alice", 50, dec(10))
	_, _ = e.ResolveMarket(ctx, done.MarketID, domain.OutcomeYes, "alice")

	active := e.ActiveMarketsByGroup(g.ID)
	if len(active) != 1 || active[0].MarketID != open.MarketID {
		t.Errorf("active = %+v", active)
	}
	resolved := e.ResolvedMarketsByGroup(g.ID)
	if len(resolved) != 1 || resolved[0].MarketID != done.MarketID {
		t.Errorf("resolved = %+v", resolved)
	}
	forBob := e.ActiveMarketsForUser("bob")
	if len(forBob) != 1 {
		t.Errorf("active for bob = %+v", forBob)
	}
	if forStranger := e.ActiveMarketsForUser("mallory"); len(forStranger) != 0 {
		t.Errorf("stranger sees markets: %+v", forStranger)
	}
}

func TestRecentTransactions_NewestFirstWithLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	g := setupGroup(t, e, dec(1000), "alice", "bob")
	ctx := context.Background()

	m, _ := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(10))
	for i := 0; i < 5; i++ {
		if _, err := e.AddToPool(ctx, m.MarketID, "bob", domain.SideYes, dec(1)); err != nil {
			t.Fatalf("AddToPool %d: %v", i, err)
		}
	}

	txs, err := e.RecentTransactions(m.MarketID, 3)
	if err != nil {
		t.Fatalf("RecentTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("got %d transactions, want 3", len(txs))
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].Timestamp > txs[i-1].Timestamp {
			t.Errorf("transactions not newest-first: %+v", txs)
		}
	}
}

// --- Lifecycle ---

func TestHydrateAndReset(t *testing.T) {
	e, committer := newTestEngine(t)

	state := domain.NewState()
	state.MarketIDCounter = 777
	state.Users = []domain.User{{ID: "alice", Name: "alice"}}
	state.BalanceCache["alice"] = dec(55)
	e.Hydrate(state)

	if !e.Balance("alice").Equal(dec(55)) {
		t.Errorf("balance after hydrate = %s", e.Balance("alice"))
	}
	if len(committer.notifies) != 1 || committer.notifies[0].Event != domain.EventStateHydrated {
		t.Errorf("hydrate notifications = %+v", committer.notifies)
	}

	e.Reset()
	if !e.Balance("alice").Equal(decimal.Zero) {
		t.Errorf("balance survives reset: %s", e.Balance("alice"))
	}
	if got := committer.lastChange().Event; got != domain.EventStateReset {
		t.Errorf("reset change = %q", got)
	}
}

func TestBalanceRefresh(t *testing.T) {
	committer := &recordingCommitter{}
	e := New(chain.NewStub(dec(250)), failingAudit{}, committer, discardLogger())

	if !e.Balance("nobody").Equal(decimal.Zero) {
		t.Errorf("unknown user balance = %s, want 0", e.Balance("nobody"))
	}

	got, err := e.RefreshBalance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("RefreshBalance: %v", err)
	}
	if !got.Equal(dec(250)) || !e.Balance("alice").Equal(dec(250)) {
		t.Errorf("refreshed balance = %s / cache %s, want 250", got, e.Balance("alice"))
	}
}

// staleChain reports a lagging view of every market: open, with populated
// pools, regardless of what actually happened.
type staleChain struct {
	domain.Chain
}

func (s *staleChain) GetMarket(_ context.Context, marketID int64) (domain.ChainMarket, error) {
	return domain.ChainMarket{
		ID:             marketID,
		Resolved:       false,
		TotalYesShares: dec(60),
		TotalNoShares:  dec(40),
	}, nil
}

func (s *staleChain) GetTradesForMarket(context.Context, int64) ([]domain.ChainTrade, error) {
	return nil, nil
}

func (s *staleChain) GetPosition(context.Context, string, int64) (domain.ChainPosition, error) {
	return domain.ChainPosition{}, nil
}

func TestRefreshMarket_DoesNotReopenResolvedMarket(t *testing.T) {
	committer := &recordingCommitter{}
	e := New(&staleChain{Chain: chain.NewStub(decimal.Zero)}, failingAudit{}, committer, discardLogger())
	g := setupGroup(t, e, dec(100), "alice")
	ctx := context.Background()

	m, err := e.CreateMarket(ctx, g.ID, "q", "alice", 60, dec(100))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice"); err != nil {
		t.Fatalf("ResolveMarket: %v", err)
	}
	balance := e.Balance("alice")

	refreshed, err := e.RefreshMarket(ctx, m.MarketID)
	if err != nil {
		t.Fatalf("RefreshMarket: %v", err)
	}
	if !refreshed.Resolved {
		t.Fatal("refresh cleared Resolved on a locally resolved market")
	}
	if refreshed.Outcome != domain.OutcomeYes {
		t.Errorf("refresh outcome = %q, want YES", refreshed.Outcome)
	}
	if !refreshed.YesPool.Equal(dec(60)) || !refreshed.NoPool.Equal(dec(40)) {
		t.Errorf("refresh disturbed settled pools: %s/%s", refreshed.YesPool, refreshed.NoPool)
	}

	if _, err := e.ResolveMarket(ctx, m.MarketID, domain.OutcomeYes, "alice"); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("resolve after refresh: got %v, want ErrAlreadyResolved", err)
	}
	if !e.Balance("alice").Equal(balance) {
		t.Errorf("resolve after refresh changed balance: %s -> %s", balance, e.Balance("alice"))
	}
}

func TestCreateMarket_FailedCreationDoesNotConsumeID(t *testing.T) {
	committer := &recordingCommitter{}
	fc := &failingChain{Chain: chain.NewStub(decimal.Zero)}
	e := New(fc, failingAudit{}, committer, discardLogger())
	g := setupGroup(t, e, dec(1000), "alice")
	ctx := context.Background()

	first, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(10))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	fc.failCreate = true
	if _, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(10)); err == nil {
		t.Fatal("CreateMarket succeeded with the chain down")
	}
	fc.failCreate = false

	second, err := e.CreateMarket(ctx, g.ID, "q", "alice", 50, dec(10))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if second.MarketID != first.MarketID+1 {
		t.Errorf("market id %d after failed attempt, want %d", second.MarketID, first.MarketID+1)
	}
}
