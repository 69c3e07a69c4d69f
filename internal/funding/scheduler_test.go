package funding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
	"github.com/alanyoungcy/perpkeeper/internal/store/memory"
)

type fakeChain struct {
	lastFunding time.Time
	gasPrice    *big.Int
	updateErr   error
	waitErr     error
	gate        chan struct{}

	submits atomic.Int32
}

func (f *fakeChain) LastFundingTime(context.Context) (time.Time, error) { return f.lastFunding, nil }

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeChain) UpdateFundingRate(context.Context) (*types.Transaction, error) {
	n := f.submits.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return types.NewTx(&types.LegacyTx{Nonce: uint64(n)}), nil
}

func (f *fakeChain) WaitMined(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(77)}, nil
}

func (f *fakeChain) FundingRateFromReceipt(*types.Receipt) (decimal.Decimal, bool) {
	return decimal.NewFromInt(12), true
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	return nil
}

var testNow = time.Date(2026, 3, 1, 8, 0, 30, 0, time.UTC)

func newScheduler(t *testing.T, cfg Config, c *fakeChain) (*Scheduler, *memory.FundingStore, *fakeNotifier) {
	t.Helper()
	store := memory.NewFundingStore()
	n := &fakeNotifier{}
	s := New(cfg, c, store, slog.New(slog.NewTextHandler(io.Discard, nil)), WithNotifier(n))
	s.now = func() time.Time { return testNow }
	return s, store, n
}

func TestTickNotDue(t *testing.T) {
	c := &fakeChain{lastFunding: testNow.Add(-7 * time.Hour)}
	s, _, _ := newScheduler(t, Config{FundingInterval: 8 * time.Hour, Debounce: time.Minute}, c)

	res, err := s.Tick(context.Background())
	if err != nil || res != ResultNotDue {
		t.Fatalf("Tick = %s, %v; want %s", res, err, ResultNotDue)
	}
	if c.submits.Load() != 0 {
		t.Error("submitted while not due")
	}
}

func TestTickSubmitsAndRecords(t *testing.T) {
	c := &fakeChain{lastFunding: testNow.Add(-8 * time.Hour)}
	s, store, n := newScheduler(t, Config{FundingInterval: 8 * time.Hour, Debounce: time.Minute}, c)

	res, err := s.Tick(context.Background())
	if err != nil || res != ResultSubmitted {
		t.Fatalf("Tick = %s, %v; want %s", res, err, ResultSubmitted)
	}
	rec, err := store.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if rec.BlockNumber != 77 || !rec.FundingRate.Equal(decimal.NewFromInt(12)) || rec.TransactionHash == "" {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(n.events) != 1 || n.events[0] != "funding_updated" {
		t.Errorf("notifications = %v", n.events)
	}
}

func TestTickDebounceOverlapping(t *testing.T) {
	c := &fakeChain{lastFunding: testNow.Add(-9 * time.Hour), gate: make(chan struct{})}
	s, _, _ := newScheduler(t, Config{FundingInterval: 8 * time.Hour, Debounce: time.Minute}, c)

	results := make(chan Result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := s.Tick(context.Background())
			results <- res
		}()
	}
	// Let the first tick into UpdateFundingRate before releasing it.
	for c.submits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(c.gate)
	wg.Wait()
	close(results)

	got := map[Result]int{}
	for r := range results {
		got[r]++
	}
	if got[ResultSubmitted] != 1 || got[ResultDebounced] != 1 {
		t.Errorf("results = %v, want one submitted and one debounced", got)
	}
	if n := c.submits.Load(); n != 1 {
		t.Errorf("submits = %d, want 1", n)
	}
}

func TestTickFailures(t *testing.T) {
	tests := []struct {
		name      string
		chain     *fakeChain
		maxGwei   float64
		want      Result
		wantErr   error
		wantNote  string
		resubmits bool
	}{
		{
			name:    "gas above ceiling",
			chain:   &fakeChain{gasPrice: big.NewInt(300_000_000_000)},
			maxGwei: 200,
			want:    ResultGasTooHigh,
		},
		{
			name: "too early is benign",
			chain: &fakeChain{updateErr: &chain.TxError{
				Op: "updateFundingRate", Reason: "FundingTooEarly()", Err: errors.New("execution reverted"),
			}},
			want:      ResultTooEarly,
			resubmits: true,
		},
		{
			name: "unauthorized is fatal",
			chain: &fakeChain{updateErr: &chain.TxError{
				Op: "updateFundingRate", Reason: "Unauthorized()", Err: errors.New("execution reverted"),
			}},
			want:      ResultUnauthorized,
			wantErr:   ErrUnauthorized,
			wantNote:  "funding_unauthorized",
			resubmits: true,
		},
		{
			name:      "transient error",
			chain:     &fakeChain{updateErr: errors.New("connection refused")},
			want:      ResultFailed,
			resubmits: true,
		},
		{
			name:  "reverted receipt",
			chain: &fakeChain{waitErr: chain.ErrReverted},
			want:  ResultFailed,
		},
		{
			name:  "receipt timeout",
			chain: &fakeChain{waitErr: context.DeadlineExceeded},
			want:  ResultFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.chain.lastFunding = testNow.Add(-10 * time.Hour)
			s, store, n := newScheduler(t, Config{
				FundingInterval: 8 * time.Hour,
				Debounce:        time.Minute,
				MaxGasPriceGwei: tt.maxGwei,
			}, tt.chain)

			res, err := s.Tick(context.Background())
			if res != tt.want {
				t.Fatalf("result = %s, want %s", res, tt.want)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantNote != "" && (len(n.events) != 1 || n.events[0] != tt.wantNote) {
				t.Errorf("notifications = %v, want [%s]", n.events, tt.wantNote)
			}
			if _, err := store.Latest(context.Background()); err == nil {
				t.Error("failed tick recorded a funding update")
			}

			// Only a transaction that actually went out starts the debounce window.
			before := tt.chain.submits.Load()
			res2, _ := s.Tick(context.Background())
			after := tt.chain.submits.Load()
			switch {
			case tt.resubmits && after != before+1:
				t.Errorf("retry not submitted (%s) after an attempt that sent nothing", res2)
			case !tt.resubmits && after != before:
				t.Errorf("second tick resubmitted (%s) inside the debounce window", res2)
			}
		})
	}
}

func TestTickPendingTransactionHoldsDebounce(t *testing.T) {
	c := &fakeChain{lastFunding: testNow.Add(-10 * time.Hour), waitErr: context.DeadlineExceeded}
	s, _, _ := newScheduler(t, Config{FundingInterval: 8 * time.Hour, Debounce: time.Minute}, c)

	if res, _ := s.Tick(context.Background()); res != ResultFailed {
		t.Fatalf("first tick = %s, want %s", res, ResultFailed)
	}
	s.now = func() time.Time { return testNow.Add(30 * time.Second) }
	if res, _ := s.Tick(context.Background()); res != ResultDebounced {
		t.Errorf("second tick = %s, want %s", res, ResultDebounced)
	}
	if n := c.submits.Load(); n != 1 {
		t.Errorf("submits = %d, want 1 inside the debounce window", n)
	}

	s.now = func() time.Time { return testNow.Add(61 * time.Second) }
	_, _ = s.Tick(context.Background())
	if n := c.submits.Load(); n != 2 {
		t.Errorf("submits = %d, want 2 after the window", n)
	}
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired int
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired++
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func (l *fakeLocks) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

func TestTickLease(t *testing.T) {
	tests := []struct {
		name         string
		chain        *fakeChain
		maxGwei      float64
		want         Result
		wantAcquired int
		wantHeld     bool
	}{
		{
			name:         "gas deferral never takes the lease",
			chain:        &fakeChain{gasPrice: big.NewInt(300_000_000_000)},
			maxGwei:      200,
			want:         ResultGasTooHigh,
			wantAcquired: 0,
		},
		{
			name:         "send failure releases the lease",
			chain:        &fakeChain{updateErr: errors.New("connection refused")},
			want:         ResultFailed,
			wantAcquired: 1,
		},
		{
			name:         "sent transaction keeps the lease",
			chain:        &fakeChain{},
			want:         ResultSubmitted,
			wantAcquired: 1,
			wantHeld:     true,
		},
		{
			name:         "unconfirmed transaction keeps the lease",
			chain:        &fakeChain{waitErr: context.DeadlineExceeded},
			want:         ResultFailed,
			wantAcquired: 1,
			wantHeld:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.chain.lastFunding = testNow.Add(-10 * time.Hour)
			s, _, _ := newScheduler(t, Config{
				FundingInterval: 8 * time.Hour,
				Debounce:        time.Minute,
				MaxGasPriceGwei: tt.maxGwei,
			}, tt.chain)
			locks := &fakeLocks{held: map[string]bool{}}
			s.locks = locks

			if res, _ := s.Tick(context.Background()); res != tt.want {
				t.Fatalf("result = %s, want %s", res, tt.want)
			}
			if locks.acquired != tt.wantAcquired {
				t.Errorf("acquired = %d, want %d", locks.acquired, tt.wantAcquired)
			}
			if got := locks.isHeld("funding:update"); got != tt.wantHeld {
				t.Errorf("lease held = %v, want %v", got, tt.wantHeld)
			}
		})
	}
}

func TestTickBusyWhenLeaseHeldElsewhere(t *testing.T) {
	c := &fakeChain{lastFunding: testNow.Add(-10 * time.Hour)}
	s, _, _ := newScheduler(t, Config{FundingInterval: 8 * time.Hour, Debounce: time.Minute}, c)
	s.locks = &fakeLocks{held: map[string]bool{"funding:update": true}}

	if res, _ := s.Tick(context.Background()); res != ResultBusy {
		t.Fatalf("result = %s, want %s", res, ResultBusy)
	}
	if n := c.submits.Load(); n != 0 {
		t.Errorf("submits = %d, want 0", n)
	}
}

func TestRunStopsOnUnauthorized(t *testing.T) {
	c := &fakeChain{
		lastFunding: testNow.Add(-10 * time.Hour),
		updateErr:   &chain.TxError{Op: "updateFundingRate", Reason: "Unauthorized()", Err: errors.New("execution reverted")},
	}
	s, _, _ := newScheduler(t, Config{FundingInterval: 8 * time.Hour}, c)
	s.sleep = func(context.Context, time.Duration) error { return nil }

	if err := s.Run(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Run = %v, want ErrUnauthorized", err)
	}
}

func TestRunRetriesAfterFailure(t *testing.T) {
	c := &fakeChain{lastFunding: testNow.Add(-10 * time.Hour), updateErr: errors.New("timeout")}
	s, _, _ := newScheduler(t, Config{CheckInterval: time.Hour, RetryDelay: 5 * time.Second, FundingInterval: 8 * time.Hour}, c)

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(waits) != 2 || waits[0] != 5*time.Second {
		t.Errorf("waits = %v, want retry delay first", waits)
	}
}
