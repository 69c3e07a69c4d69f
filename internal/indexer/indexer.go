// Package indexer maintains the local position mirror from contract events.
// Block ranges are applied in increasing order in bounded chunks, and a
// per-contract cursor is persisted only after a chunk is fully applied.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
	"github.com/alanyoungcy/perpkeeper/internal/metrics"
)

// Chain is the subset of chain.Protocol the indexer reads from.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	MaxBlockRange() uint64
	Sources() []chain.Source
	Events(ctx context.Context, contract common.Address, t chain.EventType, from, to uint64) ([]chain.Event, error)
	GetPosition(ctx context.Context, tokenID *big.Int) (domain.Position, error)
	BlockTime(ctx context.Context, n uint64) (time.Time, error)
}

// Subscriber delivers pushed logs. It is optional.
type Subscriber interface {
	CanSubscribe() bool
	Subscribe(ctx context.Context, sink chan<- types.Log) (ethereum.Subscription, error)
	DecodeLog(l types.Log) (chain.Event, error)
}

// State is the indexer lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateBackfilling
	StateLive
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Config holds indexer parameters.
type Config struct {
	// Backfill seeds a missing cursor at StartBlock-1 instead of chain head.
	Backfill      bool
	StartBlock    uint64
	PollInterval  time.Duration
	ChunkDelay    time.Duration
	EventDelay    time.Duration
	Confirmations uint64
	QueueSize     int
}

// Indexer is the position indexer loop.
type Indexer struct {
	cfg          Config
	chain        Chain
	sub          Subscriber
	positions    domain.PositionStore
	cursors      domain.CursorStore
	liquidations domain.LiquidationStore
	metrics      *metrics.Metrics
	logger       *slog.Logger

	state   atomic.Int32
	applyMu sync.Mutex
	now     func() time.Time
}

// New creates an Indexer. sub and m may be nil.
func New(
	cfg Config,
	c Chain,
	sub Subscriber,
	positions domain.PositionStore,
	cursors domain.CursorStore,
	liquidations domain.LiquidationStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Indexer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Indexer{
		cfg:          cfg,
		chain:        c,
		sub:          sub,
		positions:    positions,
		cursors:      cursors,
		liquidations: liquidations,
		metrics:      m,
		logger:       logger.With(slog.String("component", "indexer")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current lifecycle state.
func (ix *Indexer) State() State {
	return State(ix.state.Load())
}

func (ix *Indexer) setState(s State) {
	if prev := State(ix.state.Swap(int32(s))); prev != s {
		ix.logger.Info("indexer state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()),
		)
	}
}

// Run drives the indexer until ctx is cancelled. It seeds cursors, backfills
// to the head observed at start, then polls on PollInterval.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.setState(StateUninitialized)
	for {
		err := ix.Initialize(ctx)
		if err == nil {
			break
		}
		ix.logger.Error("initialize failed", slog.String("error", err.Error()))
		ix.metrics.LoopError("indexer")
		if sleepCtx(ctx, ix.cfg.PollInterval) != nil {
			return nil
		}
	}

	ix.setState(StateBackfilling)
	target, err := ix.safeHead(ctx)
	for err != nil {
		ix.logger.Error("read head failed", slog.String("error", err.Error()))
		if sleepCtx(ctx, ix.cfg.PollInterval) != nil {
			return nil
		}
		target, err = ix.safeHead(ctx)
	}
	for {
		err := ix.SyncTo(ctx, target)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		ix.logger.Warn("backfill chunk failed, retrying", slog.String("error", err.Error()))
		ix.metrics.LoopError("indexer")
		if sleepCtx(ctx, ix.cfg.PollInterval) != nil {
			return nil
		}
	}

	if ix.sub != nil && ix.sub.CanSubscribe() {
		go ix.consume(ctx)
	}
	ix.setState(StateLive)

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := ix.Poll(ctx); err != nil && ctx.Err() == nil {
				ix.logger.Warn("poll failed", slog.String("error", err.Error()))
				ix.metrics.LoopError("indexer")
			}
			ix.metrics.ObserveLoop("indexer", time.Since(start))
		}
	}
}

// Initialize seeds a cursor for every watched contract that has none.
func (ix *Indexer) Initialize(ctx context.Context) error {
	var head *uint64
	for _, src := range ix.chain.Sources() {
		key := cursorKey(src.Address)
		_, err := ix.cursors.Get(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("indexer: load cursor %s: %w", src.Name, err)
		}

		var seed uint64
		if ix.cfg.Backfill {
			if ix.cfg.StartBlock > 0 {
				seed = ix.cfg.StartBlock - 1
			}
		} else {
			if head == nil {
				h, err := ix.safeHead(ctx)
				if err != nil {
					return err
				}
				head = &h
			}
			seed = *head
		}

		if err := ix.cursors.Advance(ctx, domain.SyncCursor{
			ContractAddress: key,
			LastSyncedBlock: seed,
			LastSyncedAt:    ix.now(),
		}); err != nil {
			return fmt.Errorf("indexer: seed cursor %s: %w", src.Name, err)
		}
		ix.logger.Info("cursor seeded",
			slog.String("source", src.Name),
			slog.String("contract", key),
			slog.Uint64("block", seed),
			slog.Bool("backfill", ix.cfg.Backfill),
		)
	}
	return nil
}

// Poll syncs every source up to the current safe head. It is a no-op for a
// source whose cursor is already at or past the head.
func (ix *Indexer) Poll(ctx context.Context) error {
	head, err := ix.safeHead(ctx)
	if err != nil {
		return err
	}
	return ix.SyncTo(ctx, head)
}

// SyncTo applies every source's events from its cursor up to target. Sources
// progress independently; the first failure is returned after all sources
// have been attempted.
func (ix *Indexer) SyncTo(ctx context.Context, target uint64) error {
	var errs []error
	for _, src := range ix.chain.Sources() {
		if err := ix.syncSource(ctx, src, target); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.metrics.ChunkFailed(src.Name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ix *Indexer) syncSource(ctx context.Context, src chain.Source, target uint64) error {
	key := cursorKey(src.Address)
	cur, err := ix.cursors.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("indexer: load cursor %s: %w", src.Name, err)
	}
	if target <= cur.LastSyncedBlock {
		return nil
	}

	maxRange := ix.chain.MaxBlockRange()
	if maxRange == 0 {
		maxRange = 1
	}

	for from := cur.LastSyncedBlock + 1; from <= target; {
		to := target
		if target-from >= maxRange {
			to = from + maxRange - 1
		}

		if err := ix.processChunk(ctx, src, from, to); err != nil {
			return fmt.Errorf("indexer: %s chunk [%d, %d]: %w", src.Name, from, to, err)
		}
		if err := ix.cursors.Advance(ctx, domain.SyncCursor{
			ContractAddress: key,
			LastSyncedBlock: to,
			LastSyncedAt:    ix.now(),
		}); err != nil {
			return fmt.Errorf("indexer: advance cursor %s to %d: %w", src.Name, to, err)
		}
		ix.metrics.Synced(src.Name, to)
		ix.logger.Debug("chunk applied",
			slog.String("source", src.Name),
			slog.Uint64("from", from),
			slog.Uint64("to", to),
		)

		from = to + 1
		if from <= target {
			if err := sleepCtx(ctx, ix.cfg.ChunkDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// processChunk fetches every event type of src in [from, to], then applies
// them in (block, logIndex) order. Query failures fail the chunk; failures
// of individual events are logged and skipped unless the store itself is
// failing.
func (ix *Indexer) processChunk(ctx context.Context, src chain.Source, from, to uint64) error {
	var events []chain.Event
	for i, t := range src.Events {
		if i > 0 {
			if err := sleepCtx(ctx, ix.cfg.EventDelay); err != nil {
				return err
			}
		}
		evs, err := ix.chain.Events(ctx, src.Address, t, from, to)
		if err != nil {
			return fmt.Errorf("query %s: %w", t, err)
		}
		events = append(events, evs...)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	ix.applyMu.Lock()
	defer ix.applyMu.Unlock()
	for _, ev := range events {
		if err := ix.apply(ctx, ev); err != nil {
			var se *storeError
			if errors.As(err, &se) || ctx.Err() != nil {
				return err
			}
			ix.metrics.EventFailed(ev.Type.String())
			ix.logger.Warn("skipping event",
				slog.String("event", ev.Type.String()),
				slog.String("tx", ev.TxHash.Hex()),
				slog.Uint64("block", ev.BlockNumber),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// safeHead returns the chain head minus the confirmation depth.
func (ix *Indexer) safeHead(ctx context.Context) (uint64, error) {
	head, err := ix.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("indexer: head: %w", err)
	}
	ix.metrics.Head(head)
	if head < ix.cfg.Confirmations {
		return 0, nil
	}
	return head - ix.cfg.Confirmations, nil
}

// consume drains the push subscription through the same apply path as
// polling. It never advances cursors; polling remains the source of truth
// for progress.
func (ix *Indexer) consume(ctx context.Context) {
	for ctx.Err() == nil {
		logs := make(chan types.Log, ix.cfg.QueueSize)
		sub, err := ix.sub.Subscribe(ctx, logs)
		if err != nil {
			ix.logger.Warn("subscribe failed, polling only until retry", slog.String("error", err.Error()))
			if sleepCtx(ctx, ix.cfg.PollInterval) != nil {
				return
			}
			continue
		}
		ix.logger.Info("push subscription established")
		ix.drain(ctx, sub, logs)
		sub.Unsubscribe()
	}
}

func (ix *Indexer) drain(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil {
				ix.logger.Warn("push subscription dropped", slog.String("error", err.Error()))
			}
			_ = sleepCtx(ctx, ix.cfg.PollInterval)
			return
		case l := <-logs:
			ix.metrics.PushEvent()
			ix.ApplyLog(ctx, l)
		}
	}
}

// ApplyLog decodes and applies a single pushed log. Removed (reorged) logs
// are ignored; the next poll reconciles.
func (ix *Indexer) ApplyLog(ctx context.Context, l types.Log) {
	if l.Removed {
		ix.logger.Debug("ignoring removed log", slog.String("tx", l.TxHash.Hex()))
		return
	}
	ev, err := ix.sub.DecodeLog(l)
	if err != nil {
		ix.logger.Warn("undecodable pushed log",
			slog.String("tx", l.TxHash.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}

	ix.applyMu.Lock()
	defer ix.applyMu.Unlock()
	if err := ix.apply(ctx, ev); err != nil {
		ix.metrics.EventFailed(ev.Type.String())
		ix.logger.Warn("pushed event failed, polling will retry",
			slog.String("event", ev.Type.String()),
			slog.String("tx", ev.TxHash.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

func cursorKey(addr common.Address) string {
	return addr.Hex()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
