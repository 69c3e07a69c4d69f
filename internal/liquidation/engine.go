// Package liquidation finds and liquidates undercollateralized positions.
// Each scan runs a staleness pass that refreshes the cached verdict of
// positions not checked recently, then an execution pass that submits
// liquidations for flagged positions after re-verifying them on chain.
package liquidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
	"github.com/alanyoungcy/perpkeeper/internal/metrics"
)

// Chain is the subset of chain.Protocol the engine uses.
type Chain interface {
	IsLiquidatable(ctx context.Context, tokenID *big.Int) (bool, error)
	Price(ctx context.Context) (decimal.Decimal, error)
	AccumulatedFundingRate(ctx context.Context) (decimal.Decimal, error)
	Liquidate(ctx context.Context, tokenID *big.Int) (*types.Transaction, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	LiquidationFromReceipt(r *types.Receipt, tokenID *big.Int) (chain.Event, bool)
	Keeper() common.Address
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds engine parameters.
type Config struct {
	ScanInterval      time.Duration
	StaleAfter        time.Duration
	BatchSize         int
	Concurrency       int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	LeaseTTL          time.Duration
	ReceiptTimeout    time.Duration
	LocalPrefilter    bool
	MaintenanceMargin decimal.Decimal
}

// Outcome labels one liquidation attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeBusy        Outcome = "busy"
	OutcomeHealthy     Outcome = "no_longer_liquidatable"
	OutcomeTerminal    Outcome = "terminal"
	OutcomeReverted    Outcome = "reverted"
	OutcomeExhausted   Outcome = "retries_exhausted"
	OutcomeUnconfirmed Outcome = "unconfirmed"
	OutcomeCancelled   Outcome = "cancelled"
)

// Engine is the liquidation loop.
type Engine struct {
	cfg          Config
	chain        Chain
	positions    domain.PositionStore
	liquidations domain.LiquidationStore
	locks        domain.LockManager
	events       domain.EventPublisher
	notifier     Notifier
	metrics      *metrics.Metrics
	logger       *slog.Logger

	inflight *InFlight
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customises an Engine.
type Option func(*Engine)

// WithLocks layers a cross-instance lease on top of the in-process guard.
func WithLocks(l domain.LockManager) Option { return func(e *Engine) { e.locks = l } }

// WithEvents publishes outcomes to the keeper event feed.
func WithEvents(p domain.EventPublisher) Option { return func(e *Engine) { e.events = p } }

// WithNotifier sends operator alerts.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New creates an Engine.
func New(cfg Config, c Chain, positions domain.PositionStore, liquidations domain.LiquidationStore, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 3 * time.Minute
	}
	if cfg.MaintenanceMargin.IsZero() {
		cfg.MaintenanceMargin = DefaultMaintenanceMargin
	}
	e := &Engine{
		cfg:          cfg,
		chain:        c,
		positions:    positions,
		liquidations: liquidations,
		logger:       logger.With(slog.String("component", "liquidation")),
		inflight:     NewInFlight(),
		now:          func() time.Time { return time.Now().UTC() },
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InFlight exposes the in-process guard.
func (e *Engine) InFlight() *InFlight { return e.inflight }

// Run scans every ScanInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("liquidation engine started",
		slog.Duration("scan_interval", e.cfg.ScanInterval),
		slog.Duration("stale_after", e.cfg.StaleAfter),
		slog.Bool("local_prefilter", e.cfg.LocalPrefilter),
	)
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		e.Scan(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan runs one staleness pass followed by one execution pass.
func (e *Engine) Scan(ctx context.Context) {
	start := time.Now()
	if err := e.RefreshStale(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("staleness pass failed", slog.String("error", err.Error()))
		e.metrics.LoopError("liquidation")
	}
	if ctx.Err() != nil {
		return
	}
	if err := e.ExecuteFlagged(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("execution pass failed", slog.String("error", err.Error()))
		e.metrics.LoopError("liquidation")
	}
	if n, err := e.positions.CountOpen(ctx); err == nil {
		e.metrics.Open(n)
	}
	e.metrics.ObserveLoop("liquidation", time.Since(start))
}

// RefreshStale re-evaluates open positions whose cached verdict is older
// than StaleAfter, oldest first. A failed evaluation leaves the position's
// lastChecked untouched so it is retried next scan.
func (e *Engine) RefreshStale(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.StaleAfter)
	stale, err := e.positions.ListStale(ctx, cutoff, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("liquidation: list stale: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	var market *MarketData
	if e.cfg.LocalPrefilter {
		md, err := e.marketData(ctx)
		if err != nil {
			e.logger.Warn("market data unavailable, using on-chain checks only", slog.String("error", err.Error()))
		} else {
			market = &md
		}
	}

	var flagged int
	for _, p := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		liquidatable, source, err := e.evaluate(ctx, p, market)
		if err != nil {
			e.metrics.Checked("error", source)
			e.logger.Warn("position check failed",
				slog.String("token_id", p.TokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		verdict := "healthy"
		if liquidatable {
			verdict = "liquidatable"
			flagged++
		}
		e.metrics.Checked(verdict, source)

		if err := e.positions.UpdateCheck(ctx, p.TokenID, liquidatable, e.now()); err != nil {
			return fmt.Errorf("liquidation: update check %s: %w", p.TokenID, err)
		}
	}

	e.logger.Debug("staleness pass complete",
		slog.Int("checked", len(stale)),
		slog.Int("flagged", flagged),
	)
	return nil
}

// evaluate returns the verdict and which path produced it. A local
// "healthy" verdict is trusted; anything else is confirmed on chain.
func (e *Engine) evaluate(ctx context.Context, p domain.Position, market *MarketData) (bool, string, error) {
	if market != nil {
		if a, ok := Assess(p, *market, e.cfg.MaintenanceMargin); ok && !a.Liquidatable {
			return false, "local", nil
		}
	}
	tokenID, err := parseTokenID(p.TokenID)
	if err != nil {
		return false, "chain", err
	}
	v, err := e.chain.IsLiquidatable(ctx, tokenID)
	return v, "chain", err
}

func (e *Engine) marketData(ctx context.Context) (MarketData, error) {
	price, err := e.chain.Price(ctx)
	if err != nil {
		return MarketData{}, err
	}
	rate, err := e.chain.AccumulatedFundingRate(ctx)
	if err != nil {
		return MarketData{}, err
	}
	return MarketData{Price: price, AccumulatedFundingRate: rate}, nil
}

// ExecuteFlagged attempts every flagged position not already in flight,
// with at most Concurrency attempts running at once.
func (e *Engine) ExecuteFlagged(ctx context.Context) error {
	flagged, err := e.positions.ListLiquidatable(ctx, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("liquidation: list liquidatable: %w", err)
	}
	if len(flagged) == 0 {
		return nil
	}
	e.logger.Info("liquidatable positions found", slog.Int("count", len(flagged)))

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, p := range flagged {
		if ctx.Err() != nil {
			break
		}
		if e.inflight.Contains(p.TokenID) {
			continue
		}
		g.Go(func() error {
			e.Liquidate(ctx, p)
			return nil
		})
	}
	return g.Wait()
}

// Liquidate runs one guarded attempt for p, retrying transient failures with
// exponential backoff up to MaxRetries.
func (e *Engine) Liquidate(ctx context.Context, p domain.Position) Outcome {
	release, ok := e.inflight.TryAcquire(p.TokenID)
	if !ok {
		return OutcomeBusy
	}
	defer release()
	e.metrics.InFlightDelta(1)
	defer e.metrics.InFlightDelta(-1)

	log := e.logger.With(slog.String("token_id", p.TokenID))

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "liquidation:"+p.TokenID, e.cfg.LeaseTTL)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			e.metrics.Attempt(string(OutcomeBusy))
			return OutcomeBusy
		case err != nil:
			// Fail open: a duplicate from another instance ends as an
			// already-liquidated rejection.
			log.Warn("lease unavailable, continuing under local guard",
				slog.String("error", err.Error()),
			)
		default:
			defer unlock()
		}
	}

	tokenID, err := parseTokenID(p.TokenID)
	if err != nil {
		log.Error("invalid token id", slog.String("error", err.Error()))
		return OutcomeTerminal
	}

	for attempt := 0; ; attempt++ {
		outcome, err := e.attempt(ctx, p, tokenID, log)
		if err == nil {
			e.metrics.Attempt(string(outcome))
			return outcome
		}
		if ctx.Err() != nil {
			e.metrics.Attempt(string(OutcomeCancelled))
			return OutcomeCancelled
		}
		if attempt >= e.cfg.MaxRetries {
			log.Warn("liquidation retries exhausted, leaving for next scan",
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()),
			)
			e.metrics.Attempt(string(OutcomeExhausted))
			return OutcomeExhausted
		}
		delay := e.cfg.RetryBaseDelay << attempt
		log.Warn("transient liquidation failure, backing off",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if e.sleep(ctx, delay) != nil {
			e.metrics.Attempt(string(OutcomeCancelled))
			return OutcomeCancelled
		}
	}
}

// attempt performs verify, submit and confirm once. It returns a non-nil
// error only for transient failures that should be retried.
func (e *Engine) attempt(ctx context.Context, p domain.Position, tokenID *big.Int, log *slog.Logger) (Outcome, error) {
	still, err := e.chain.IsLiquidatable(ctx, tokenID)
	if err != nil {
		if kind := chain.Classify(err); kind != chain.Transient {
			return e.handleRejection(ctx, p, "", err, kind, log), nil
		}
		return "", err
	}
	if !still {
		log.Info("position no longer liquidatable")
		if err := e.positions.UpdateCheck(ctx, p.TokenID, false, e.now()); err != nil {
			log.Error("clear flag failed", slog.String("error", err.Error()))
		}
		return OutcomeHealthy, nil
	}

	tx, err := e.chain.Liquidate(ctx, tokenID)
	if err != nil {
		if kind := chain.Classify(err); kind != chain.Transient {
			return e.handleRejection(ctx, p, "", err, kind, log), nil
		}
		return "", err
	}
	txHash := tx.Hash().Hex()
	log.Info("liquidation submitted", slog.String("tx", txHash))

	// The receipt wait outlives loop cancellation, bounded by its own timeout.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := e.chain.WaitMined(waitCtx, tx.Hash())
	switch {
	case err == nil:
		return e.recordSuccess(waitCtx, p, tokenID, receipt, log), nil
	case errors.Is(err, chain.ErrReverted):
		return e.handleRejection(waitCtx, p, txHash, err, chain.Reverted, log), nil
	default:
		log.Warn("liquidation receipt not confirmed, re-verifying next scan",
			slog.String("tx", txHash),
			slog.String("error", err.Error()),
		)
		return OutcomeUnconfirmed, nil
	}
}

func (e *Engine) recordSuccess(ctx context.Context, p domain.Position, tokenID *big.Int, r *types.Receipt, log *slog.Logger) Outcome {
	gas := r.GasUsed
	rec := domain.LiquidationRecord{
		TokenID:         p.TokenID,
		Owner:           p.Owner,
		Liquidator:      e.chain.Keeper().Hex(),
		TransactionHash: r.TxHash.Hex(),
		Timestamp:       e.now(),
		GasUsed:         &gas,
		Success:         true,
	}
	if r.BlockNumber != nil {
		rec.BlockNumber = r.BlockNumber.Uint64()
	}
	if ev, ok := e.chain.LiquidationFromReceipt(r, tokenID); ok {
		pnl, funding := ev.PnL, ev.FundingPayment
		rec.PnL = &pnl
		rec.FundingPayment = &funding
	}

	if err := e.liquidations.Insert(ctx, rec); err != nil {
		log.Error("record liquidation failed", slog.String("error", err.Error()))
	}
	if err := e.positions.MarkClosed(ctx, p.TokenID, rec.Timestamp); err != nil {
		log.Error("mark closed failed", slog.String("error", err.Error()))
	}

	log.Info("position liquidated",
		slog.String("tx", rec.TransactionHash),
		slog.Uint64("block", rec.BlockNumber),
		slog.Uint64("gas_used", gas),
	)
	e.publish(ctx, rec)
	e.notify(ctx, "liquidation_executed", "Position liquidated",
		fmt.Sprintf("token %s liquidated in tx %s (gas %d)", p.TokenID, rec.TransactionHash, gas))
	return OutcomeSuccess
}

// handleRejection applies the non-retryable policy. Every path clears the
// liquidatable flag and writes a failure record. Positions the contract
// reports as gone are closed locally; reverts are re-queued for evaluation
// on the next staleness pass.
func (e *Engine) handleRejection(ctx context.Context, p domain.Position, txHash string, cause error, kind chain.Kind, log *slog.Logger) Outcome {
	reason := cause.Error()
	var te *chain.TxError
	if errors.As(cause, &te) && te.Reason != "" {
		reason = te.Reason
	}

	rec := domain.LiquidationRecord{
		TokenID:         p.TokenID,
		Owner:           p.Owner,
		Liquidator:      e.chain.Keeper().Hex(),
		TransactionHash: txHash,
		Timestamp:       e.now(),
		Success:         false,
		Error:           reason,
	}
	if err := e.liquidations.Insert(ctx, rec); err != nil {
		log.Error("record failed liquidation", slog.String("error", err.Error()))
	}

	outcome := OutcomeTerminal
	switch {
	case kind == chain.Terminal && chain.IsAlreadyClosed(cause):
		if err := e.positions.MarkClosed(ctx, p.TokenID, e.now()); err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error("mark closed failed", slog.String("error", err.Error()))
		}
	case kind == chain.Reverted:
		outcome = OutcomeReverted
		if err := e.positions.UpdateCheck(ctx, p.TokenID, false, time.Time{}); err != nil {
			log.Error("requeue failed", slog.String("error", err.Error()))
		}
	default:
		if err := e.positions.UpdateCheck(ctx, p.TokenID, false, e.now()); err != nil {
			log.Error("clear flag failed", slog.String("error", err.Error()))
		}
	}

	log.Warn("liquidation rejected",
		slog.String("kind", kind.String()),
		slog.String("reason", reason),
		slog.String("tx", txHash),
	)
	e.publish(ctx, rec)
	if kind == chain.Unauthorized {
		e.notify(ctx, "liquidation_failed", "Keeper not authorized to liquidate", reason)
	} else {
		e.notify(ctx, "liquidation_failed", "Liquidation failed",
			fmt.Sprintf("token %s: %s (%s)", p.TokenID, reason, kind))
	}
	return outcome
}

func (e *Engine) publish(ctx context.Context, rec domain.LiquidationRecord) {
	if e.events == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		domain.LiquidationRecord
	}{Type: "liquidation", LiquidationRecord: rec})
	if err != nil {
		return
	}
	if err := e.events.Publish(ctx, domain.ChannelLiquidations, payload); err != nil {
		e.logger.Debug("publish failed", slog.String("error", err.Error()))
	}
	if err := e.events.StreamAppend(ctx, domain.StreamKeeperEvents, payload); err != nil {
		e.logger.Debug("stream append failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Notify(ctx, event, title, message)
}

func parseTokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("liquidation: invalid token id %q", s)
	}
	return id, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
