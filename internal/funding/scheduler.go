// Package funding triggers the protocol's periodic funding-rate settlement.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpkeeper/internal/chain"
	"github.com/alanyoungcy/perpkeeper/internal/domain"
	"github.com/alanyoungcy/perpkeeper/internal/metrics"
)

// Chain is the subset of chain.Protocol the scheduler uses.
type Chain interface {
	LastFundingTime(ctx context.Context) (time.Time, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	UpdateFundingRate(ctx context.Context) (*types.Transaction, error)
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FundingRateFromReceipt(r *types.Receipt) (decimal.Decimal, bool)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds scheduler parameters.
type Config struct {
	CheckInterval   time.Duration
	FundingInterval time.Duration
	Debounce        time.Duration
	RetryDelay      time.Duration
	MaxGasPriceGwei float64
	ReceiptTimeout  time.Duration
	LeaseTTL        time.Duration
}

// Result labels one tick.
type Result string

const (
	ResultNotDue       Result = "not_due"
	ResultDebounced    Result = "debounced"
	ResultBusy         Result = "busy"
	ResultGasTooHigh   Result = "gas_too_high"
	ResultSubmitted    Result = "submitted"
	ResultTooEarly     Result = "too_early"
	ResultUnauthorized Result = "unauthorized"
	ResultFailed       Result = "failed"
)

// ErrUnauthorized stops the scheduler: the keeper key may not settle funding.
var ErrUnauthorized = fmt.Errorf("funding: keeper not authorized: %w", domain.ErrUnauthorized)

// Scheduler is the funding loop.
type Scheduler struct {
	cfg      Config
	chain    Chain
	store    domain.FundingStore
	locks    domain.LockManager
	events   domain.EventPublisher
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	lastSubmit time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLocks shares the debounce across keeper instances.
func WithLocks(l domain.LockManager) Option { return func(s *Scheduler) { s.locks = l } }

// WithEvents publishes settlements to the keeper event feed.
func WithEvents(p domain.EventPublisher) Option { return func(s *Scheduler) { s.events = p } }

// WithNotifier sends operator alerts.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// New creates a Scheduler.
func New(cfg Config, c Chain, store domain.FundingStore, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.FundingInterval <= 0 {
		cfg.FundingInterval = 8 * time.Hour
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 3 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Debounce
	}
	s := &Scheduler{
		cfg:    cfg,
		chain:  c,
		store:  store,
		logger: logger.With(slog.String("component", "funding")),
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks every CheckInterval until ctx is cancelled. Failed ticks are
// retried after RetryDelay. It returns ErrUnauthorized when the contract
// rejects the keeper, which stops this loop only.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("funding scheduler started",
		slog.Duration("check_interval", s.cfg.CheckInterval),
		slog.Duration("funding_interval", s.cfg.FundingInterval),
	)
	for {
		start := time.Now()
		res, err := s.Tick(ctx)
		s.metrics.ObserveLoop("funding", time.Since(start))

		wait := s.cfg.CheckInterval
		switch {
		case errors.Is(err, ErrUnauthorized):
			s.logger.Error("keeper not authorized to update funding, scheduler stopped")
			return err
		case res == ResultFailed && ctx.Err() == nil:
			s.metrics.LoopError("funding")
			wait = s.cfg.RetryDelay
		}
		if s.sleep(ctx, wait) != nil {
			return nil
		}
	}
}

// Tick runs one check. Overlapping ticks serialise on a mutex, so the
// debounce holds even when a slow tick overlaps the next.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	last, err := s.chain.LastFundingTime(ctx)
	if err != nil {
		s.logger.Warn("read last funding time failed", slog.String("error", err.Error()))
		return ResultFailed, fmt.Errorf("funding: last funding time: %w", err)
	}
	now := s.now()
	elapsed := now.Sub(last)
	s.metrics.FundingAge(elapsed)
	if elapsed < s.cfg.FundingInterval {
		s.logger.Debug("funding not due",
			slog.Time("last_funding", last),
			slog.Duration("remaining", s.cfg.FundingInterval-elapsed),
		)
		return ResultNotDue, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSubmit.IsZero() && now.Sub(s.lastSubmit) < s.cfg.Debounce {
		s.logger.Debug("funding submission debounced",
			slog.Time("last_submit", s.lastSubmit),
		)
		s.metrics.Funding(string(ResultDebounced))
		return ResultDebounced, nil
	}

	if s.cfg.MaxGasPriceGwei > 0 {
		price, err := s.chain.SuggestGasPrice(ctx)
		if err != nil {
			s.metrics.Funding(string(ResultFailed))
			return ResultFailed, fmt.Errorf("funding: gas price: %w", err)
		}
		gwei := weiToGwei(price)
		if gwei > s.cfg.MaxGasPriceGwei {
			s.logger.Warn("gas price above ceiling, deferring funding update",
				slog.Float64("gas_gwei", gwei),
				slog.Float64("max_gwei", s.cfg.MaxGasPriceGwei),
			)
			s.metrics.Funding(string(ResultGasTooHigh))
			return ResultGasTooHigh, nil
		}
	}

	var unlock func()
	if s.locks != nil && s.cfg.LeaseTTL > 0 {
		unlock, err = s.locks.Acquire(ctx, "funding:update", s.cfg.LeaseTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				s.logger.Warn("funding lease unavailable", slog.String("error", err.Error()))
			}
			s.metrics.Funding(string(ResultBusy))
			return ResultBusy, nil
		}
	}

	res, sent, err := s.submit(ctx, now, elapsed)
	// Once a transaction is out, the local debounce and the lease both stand
	// until they expire, whatever the receipt said.
	if !sent && unlock != nil {
		unlock()
	}
	s.metrics.Funding(string(res))
	return res, err
}

// submit sends the update and waits for its receipt. sent reports whether a
// transaction reached the node; lastSubmit is set as soon as it has.
func (s *Scheduler) submit(ctx context.Context, now time.Time, elapsed time.Duration) (res Result, sent bool, err error) {
	tx, err := s.chain.UpdateFundingRate(ctx)
	if err != nil {
		res, err = s.rejected(ctx, err)
		return res, false, err
	}
	s.lastSubmit = now
	s.logger.Info("funding update submitted",
		slog.String("tx", tx.Hash().Hex()),
		slog.Duration("since_last", elapsed),
	)

	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := s.chain.WaitMined(waitCtx, tx.Hash())
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			res, err = s.rejected(ctx, &chain.TxError{Op: "updateFundingRate", Err: err})
			return res, true, err
		}
		s.logger.Warn("funding receipt not confirmed",
			slog.String("tx", tx.Hash().Hex()),
			slog.String("error", err.Error()),
		)
		return ResultFailed, true, fmt.Errorf("funding: wait receipt: %w", err)
	}

	rec := domain.FundingUpdateRecord{
		TransactionHash: receipt.TxHash.Hex(),
		Timestamp:       s.now(),
	}
	if receipt.BlockNumber != nil {
		rec.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if rate, ok := s.chain.FundingRateFromReceipt(receipt); ok {
		rec.FundingRate = rate
	}
	if err := s.store.Insert(waitCtx, rec); err != nil {
		s.logger.Error("record funding update failed", slog.String("error", err.Error()))
	}

	s.logger.Info("funding rate updated",
		slog.String("tx", rec.TransactionHash),
		slog.Uint64("block", rec.BlockNumber),
		slog.String("funding_rate", rec.FundingRate.String()),
	)
	s.publish(waitCtx, rec)
	s.notify(waitCtx, "funding_updated", "Funding rate updated",
		fmt.Sprintf("rate %s in tx %s", rec.FundingRate, rec.TransactionHash))
	return ResultSubmitted, true, nil
}

func (s *Scheduler) rejected(ctx context.Context, err error) (Result, error) {
	switch chain.Classify(err) {
	case chain.TooEarly:
		s.logger.Info("funding update too early, contract clock ahead of ours",
			slog.String("error", err.Error()),
		)
		return ResultTooEarly, nil
	case chain.Unauthorized:
		s.notify(ctx, "funding_unauthorized", "Keeper not authorized to update funding", err.Error())
		return ResultUnauthorized, ErrUnauthorized
	default:
		s.logger.Warn("funding update failed, retrying later",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", s.cfg.RetryDelay),
		)
		return ResultFailed, fmt.Errorf("funding: update: %w", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, rec domain.FundingUpdateRecord) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		domain.FundingUpdateRecord
	}{Type: "funding", FundingUpdateRecord: rec})
	if err != nil {
		return
	}
	if err := s.events.Publish(ctx, domain.ChannelFunding, payload); err != nil {
		s.logger.Debug("publish failed", slog.String("error", err.Error()))
	}
	if err := s.events.StreamAppend(ctx, domain.StreamKeeperEvents, payload); err != nil {
		s.logger.Debug("stream append failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	_ = s.notifier.Notify(ctx, event, title, message)
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei)).Float64()
	return f
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
