package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
	"github.com/alanyoungcy/perpkeeper/internal/store/memory"
)

var (
	managerAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	keeperAddr  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

type queryCall struct {
	t        chain.EventType
	from, to uint64
}

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	maxRange  uint64
	events    []chain.Event
	details   map[string]domain.Position
	failOnce  map[uint64]bool // fail the first query covering this block
	calls     []queryCall
	headCalls int
}

func newFakeChain(head, maxRange uint64) *fakeChain {
	return &fakeChain{
		head:     head,
		maxRange: maxRange,
		details:  make(map[string]domain.Position),
		failOnce: make(map[uint64]bool),
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headCalls++
	return f.head, nil
}

func (f *fakeChain) MaxBlockRange() uint64 { return f.maxRange }

func (f *fakeChain) Sources() []chain.Source {
	return []chain.Source{{
		Name:    "position_manager",
		Address: managerAddr,
		Events:  []chain.EventType{chain.EventPositionOpened, chain.EventPositionClosed, chain.EventPositionLiquidated},
	}}
}

func (f *fakeChain) Events(_ context.Context, contract common.Address, t chain.EventType, from, to uint64) ([]chain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, queryCall{t: t, from: from, to: to})
	for b, pending := range f.failOnce {
		if pending && b >= from && b <= to {
			f.failOnce[b] = false
			return nil, errors.New("provider timeout")
		}
	}
	var out []chain.Event
	for _, ev := range f.events {
		if ev.Contract == contract && ev.Type == t && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeChain) GetPosition(_ context.Context, tokenID *big.Int) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.details[tokenID.String()]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeChain) BlockTime(_ context.Context, n uint64) (time.Time, error) {
	return time.Unix(int64(1_700_000_000+n*12), 0).UTC(), nil
}

func (f *fakeChain) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func opened(id int64, block uint64, idx uint) chain.Event {
	return chain.Event{
		Type: chain.EventPositionOpened, Contract: managerAddr, TokenID: big.NewInt(id),
		Owner: ownerAddr, Collateral: decimal.NewFromInt(1000), Leverage: decimal.NewFromInt(10),
		EntryPrice: decimal.NewFromInt(100), IsLong: true,
		BlockNumber: block, LogIndex: idx, TxHash: common.BigToHash(big.NewInt(int64(block)*1000 + int64(idx))),
	}
}

func closed(id int64, block uint64, idx uint) chain.Event {
	return chain.Event{
		Type: chain.EventPositionClosed, Contract: managerAddr, TokenID: big.NewInt(id), Owner: ownerAddr,
		BlockNumber: block, LogIndex: idx, TxHash: common.BigToHash(big.NewInt(int64(block)*1000 + int64(idx))),
	}
}

func liquidated(id int64, block uint64, idx uint) chain.Event {
	return chain.Event{
		Type: chain.EventPositionLiquidated, Contract: managerAddr, TokenID: big.NewInt(id),
		Owner: ownerAddr, Liquidator: keeperAddr, PnL: decimal.NewFromInt(-950),
		BlockNumber: block, LogIndex: idx, TxHash: common.BigToHash(big.NewInt(int64(block)*1000 + int64(idx))),
	}
}

type harness struct {
	chain        *fakeChain
	positions    *memory.PositionStore
	cursors      *memory.CursorStore
	liquidations *memory.LiquidationStore
}

func newHarness(fc *fakeChain) *harness {
	return &harness{
		chain:        fc,
		positions:    memory.NewPositionStore(),
		cursors:      memory.NewCursorStore(),
		liquidations: memory.NewLiquidationStore(),
	}
}

func (h *harness) indexer(cfg Config) *Indexer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, h.chain, nil, h.positions, h.cursors, h.liquidations, nil, logger)
}

func (h *harness) cursor(t *testing.T) uint64 {
	t.Helper()
	c, err := h.cursors.Get(context.Background(), managerAddr.Hex())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	return c.LastSyncedBlock
}

var backfillFrom1 = Config{Backfill: true, StartBlock: 1}

func TestChunkBoundAndCursorProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(newFakeChain(35, 10))
	ix := h.indexer(backfillFrom1)

	if err := ix.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ix.SyncTo(ctx, 35); err != nil {
		t.Fatal(err)
	}

	var lastTo uint64
	for i, c := range h.chain.calls {
		if c.to-c.from+1 > 10 {
			t.Fatalf("call %d spans [%d, %d], exceeds max range", i, c.from, c.to)
		}
		if c.to < lastTo {
			t.Fatalf("call %d [%d, %d] went backwards after %d", i, c.from, c.to, lastTo)
		}
		lastTo = c.to
	}
	if len(h.chain.calls) != 12 {
		t.Fatalf("got %d queries, want 12 (4 chunks x 3 event types)", len(h.chain.calls))
	}
	if got := h.cursor(t); got != 35 {
		t.Fatalf("cursor = %d, want 35", got)
	}
}

func TestChunkFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(30, 10)
	fc.failOnce[15] = true
	fc.events = []chain.Event{opened(1, 5, 0), opened(2, 25, 0)}
	h := newHarness(fc)
	ix := h.indexer(backfillFrom1)

	if err := ix.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := ix.SyncTo(ctx, 30); err == nil {
		t.Fatal("expected chunk failure")
	}
	if got := h.cursor(t); got != 10 {
		t.Fatalf("cursor after failure = %d, want 10", got)
	}
	if _, err := h.positions.Get(ctx, "2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("position past the failed chunk must not be applied")
	}

	if err := ix.SyncTo(ctx, 30); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := h.cursor(t); got != 30 {
		t.Fatalf("cursor after retry = %d, want 30", got)
	}
	if _, err := h.positions.Get(ctx, "2"); err != nil {
		t.Fatalf("position 2 after retry: %v", err)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(20, 5)
	fc.events = []chain.Event{
		opened(1, 2, 0),
		opened(2, 3, 0),
		closed(2, 6, 1),
		opened(3, 7, 0),
		liquidated(3, 12, 4),
	}
	h := newHarness(fc)

	if err := h.indexer(backfillFrom1).Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.indexer(backfillFrom1).SyncTo(ctx, 20); err != nil {
		t.Fatal(err)
	}
	snapshot := map[string]domain.Position{}
	for _, id := range []string{"1", "2", "3"} {
		p, err := h.positions.Get(ctx, id)
		if err != nil {
			t.Fatalf("position %s: %v", id, err)
		}
		snapshot[id] = p
	}

	// Replay the whole history against the same stores from a fresh cursor.
	h.cursors = memory.NewCursorStore()
	replay := h.indexer(backfillFrom1)
	if err := replay.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := replay.SyncTo(ctx, 20); err != nil {
		t.Fatal(err)
	}

	for id, want := range snapshot {
		got, _ := h.positions.Get(ctx, id)
		if got.IsOpen != want.IsOpen || got.BlockNumber != want.BlockNumber || !got.Collateral.Equal(want.Collateral) {
			t.Fatalf("position %s changed on replay: %+v vs %+v", id, got, want)
		}
	}
	if snapshot["1"].IsOpen != true || snapshot["2"].IsOpen || snapshot["3"].IsOpen {
		t.Fatalf("unexpected open flags: %+v", snapshot)
	}
	recs, _ := h.liquidations.ListByToken(ctx, "3")
	if len(recs) != 1 {
		t.Fatalf("liquidation records = %d, want 1", len(recs))
	}
	if recs[0].Liquidator != keeperAddr.Hex() || !recs[0].Success {
		t.Fatalf("unexpected record %+v", recs[0])
	}
}

func TestOpenAndCloseInSameChunk(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(10, 100)
	fc.events = []chain.Event{opened(7, 4, 2), closed(7, 4, 5)}
	h := newHarness(fc)
	ix := h.indexer(backfillFrom1)

	_ = ix.Initialize(ctx)
	if err := ix.SyncTo(ctx, 10); err != nil {
		t.Fatal(err)
	}
	p, err := h.positions.Get(ctx, "7")
	if err != nil {
		t.Fatal(err)
	}
	if p.IsOpen {
		t.Fatal("position opened and closed in one chunk must end closed")
	}
}

func TestCloseForUnknownPositionRepairs(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(10, 100)
	fc.events = []chain.Event{closed(9, 3, 0)}
	fc.details["9"] = domain.Position{
		TokenID: "9", Owner: ownerAddr.Hex(), Collateral: decimal.NewFromInt(250),
		Leverage: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(50), IsLong: false,
	}
	h := newHarness(fc)
	ix := h.indexer(backfillFrom1)

	_ = ix.Initialize(ctx)
	if err := ix.SyncTo(ctx, 10); err != nil {
		t.Fatal(err)
	}
	p, err := h.positions.Get(ctx, "9")
	if err != nil {
		t.Fatalf("repaired position missing: %v", err)
	}
	if p.IsOpen || !p.Collateral.Equal(decimal.NewFromInt(250)) || p.ClosedAt == nil {
		t.Fatalf("unexpected repaired position %+v", p)
	}
}

func TestOpenedUsesContractDetail(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(10, 100)
	fc.events = []chain.Event{opened(1, 2, 0), opened(2, 3, 0)}
	fc.details["1"] = domain.Position{
		TokenID: "1", Owner: ownerAddr.Hex(), Collateral: decimal.NewFromInt(1000),
		Leverage: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(100),
		EntryFundingRate: decimal.NewFromInt(42), IsLong: true, IsOpen: true,
	}
	h := newHarness(fc)
	ix := h.indexer(backfillFrom1)
	_ = ix.Initialize(ctx)
	if err := ix.SyncTo(ctx, 10); err != nil {
		t.Fatal(err)
	}

	p1, _ := h.positions.Get(ctx, "1")
	if !p1.EntryFundingRate.Equal(decimal.NewFromInt(42)) {
		t.Fatalf("entry funding rate = %s, want contract value 42", p1.EntryFundingRate)
	}
	p2, err := h.positions.Get(ctx, "2")
	if err != nil {
		t.Fatalf("fallback position missing: %v", err)
	}
	if !p2.Collateral.Equal(decimal.NewFromInt(1000)) || !p2.IsOpen {
		t.Fatalf("fallback to event args failed: %+v", p2)
	}
}

func TestSeedAtHeadSkipsHistory(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(500, 100)
	fc.events = []chain.Event{opened(1, 10, 0)}
	h := newHarness(fc)
	ix := h.indexer(Config{Confirmations: 2})

	if err := ix.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.cursor(t); got != 498 {
		t.Fatalf("seeded cursor = %d, want 498", got)
	}
	if err := ix.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fc.calls) != 0 {
		t.Fatalf("poll at head issued %d queries, want 0", len(fc.calls))
	}
	if _, err := h.positions.Get(ctx, "1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("history before the seed must not be indexed")
	}
}

func TestRestartResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(20, 50)
	fc.events = []chain.Event{opened(1, 5, 0), opened(2, 25, 0)}
	h := newHarness(fc)

	first := h.indexer(backfillFrom1)
	_ = first.Initialize(ctx)
	if err := first.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	fc.head = 30
	fc.resetCalls()
	second := h.indexer(backfillFrom1)
	if err := second.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	for _, c := range fc.calls {
		if c.from != 21 || c.to != 30 {
			t.Fatalf("restart queried [%d, %d], want [21, 30]", c.from, c.to)
		}
	}
	if got := h.cursor(t); got != 30 {
		t.Fatalf("cursor = %d, want 30", got)
	}
	if _, err := h.positions.Get(ctx, "2"); err != nil {
		t.Fatalf("position 2: %v", err)
	}
}

type fakeSubscriber struct{ decoded int }

func (f *fakeSubscriber) CanSubscribe() bool { return true }
func (f *fakeSubscriber) Subscribe(context.Context, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not used")
}
func (f *fakeSubscriber) DecodeLog(types.Log) (chain.Event, error) {
	f.decoded++
	return opened(5, 1, 0), nil
}

func TestApplyLogIgnoresRemoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(newFakeChain(10, 10))
	sub := &fakeSubscriber{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ix := New(Config{}, h.chain, sub, h.positions, h.cursors, h.liquidations, nil, logger)

	ix.ApplyLog(ctx, types.Log{Removed: true})
	if sub.decoded != 0 {
		t.Fatal("removed log must not be decoded")
	}
	ix.ApplyLog(ctx, types.Log{})
	if _, err := h.positions.Get(ctx, "5"); err != nil {
		t.Fatalf("pushed open not applied: %v", err)
	}
	if _, err := h.cursors.Get(ctx, managerAddr.Hex()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("push path must not move the cursor")
	}
}

func TestStateString(t *testing.T) {
	h := newHarness(newFakeChain(1, 1))
	ix := h.indexer(Config{})
	if ix.State() != StateUninitialized || ix.State().String() != "uninitialized" {
		t.Fatalf("initial state = %s", ix.State())
	}
}
