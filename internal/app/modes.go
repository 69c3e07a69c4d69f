package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpkeeper/internal/archive"
	"github.com/alanyoungcy/perpkeeper/internal/funding"
	"github.com/alanyoungcy/perpkeeper/internal/indexer"
	"github.com/alanyoungcy/perpkeeper/internal/liquidation"
	"github.com/alanyoungcy/perpkeeper/internal/notify"
	"github.com/alanyoungcy/perpkeeper/internal/server"
	"github.com/alanyoungcy/perpkeeper/internal/server/handler"
)

type loopKind int

const (
	loopIndexer loopKind = iota
	loopLiquidation
	loopFunding
)

// runLoops starts the requested keeper loops plus the optional archive job
// and HTTP server. A loop returning an error stops only itself; cancelling
// ctx stops everything.
func (a *App) runLoops(ctx context.Context, deps *Dependencies, kinds ...loopKind) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, k := range kinds {
		switch k {
		case loopIndexer:
			ix := a.buildIndexer(deps)
			a.loops.Watch("indexer", func() string { return ix.State().String() })
			a.goLoop(ctx, g, deps, "indexer", ix.Run)

		case loopLiquidation:
			if !a.cfg.Liquidation.Enabled {
				a.logger.Info("liquidation engine disabled")
				continue
			}
			a.goLoop(ctx, g, deps, "liquidation", a.buildEngine(deps).Run)

		case loopFunding:
			if !a.cfg.Funding.Enabled {
				a.logger.Info("funding scheduler disabled")
				continue
			}
			a.goLoop(ctx, g, deps, "funding", a.buildScheduler(deps).Run)
		}
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		job := archive.NewJob(deps.Archiver, a.cfg.Archive.LookbackDays, a.logger)
		a.goLoop(ctx, g, deps, "archive", func(ctx context.Context) error {
			return job.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		health := handler.NewHealthHandler(deps.Probes, a.loops, a.logger)
		metricsHandler := promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})
		srv := server.NewServer(server.Config{Port: a.cfg.Server.Port}, health, metricsHandler, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// goLoop runs fn under g. A loop error is reported and recorded but not
// returned, so one failed loop leaves the others running.
func (a *App) goLoop(ctx context.Context, g *errgroup.Group, deps *Dependencies, name string, fn func(context.Context) error) {
	a.loops.Set(name, loopRunning)
	g.Go(func() error {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			a.loops.Set(name, loopStopped)
			return nil
		}
		a.loops.Set(name, loopFailed)
		a.logger.Error("keeper loop stopped",
			slog.String("loop", name),
			slog.String("error", err.Error()),
		)
		deps.Metrics.LoopError(name)
		_ = deps.Notifier.Notify(ctx, notify.EventError, fmt.Sprintf("%s loop stopped", name), err.Error())
		return nil
	})
}

func (a *App) buildIndexer(deps *Dependencies) *indexer.Indexer {
	c := a.cfg.Indexer
	var sub indexer.Subscriber
	if deps.Protocol.CanSubscribe() {
		sub = deps.Protocol
	}
	return indexer.New(indexer.Config{
		Backfill:      c.Backfill,
		StartBlock:    c.StartBlock,
		PollInterval:  c.PollInterval.Duration,
		ChunkDelay:    c.ChunkDelay.Duration,
		EventDelay:    c.EventDelay.Duration,
		Confirmations: c.Confirmations,
		QueueSize:     c.QueueSize,
	}, deps.Protocol, sub, deps.Positions, deps.Cursors, deps.Liquidations, deps.Metrics, a.logger)
}

func (a *App) buildEngine(deps *Dependencies) *liquidation.Engine {
	c := a.cfg.Liquidation
	opts := []liquidation.Option{
		liquidation.WithMetrics(deps.Metrics),
		liquidation.WithNotifier(deps.Notifier),
	}
	if deps.Locks != nil {
		opts = append(opts, liquidation.WithLocks(deps.Locks))
	}
	if deps.Events != nil {
		opts = append(opts, liquidation.WithEvents(deps.Events))
	}
	return liquidation.New(liquidation.Config{
		ScanInterval:      c.ScanInterval.Duration,
		StaleAfter:        c.StaleAfter.Duration,
		BatchSize:         c.BatchSize,
		Concurrency:       c.Concurrency,
		MaxRetries:        c.MaxRetries,
		RetryBaseDelay:    c.RetryBaseDelay.Duration,
		LeaseTTL:          c.LeaseTTL.Duration,
		ReceiptTimeout:    a.cfg.Chain.ReceiptTimeout.Duration,
		LocalPrefilter:    c.LocalPrefilter,
		MaintenanceMargin: decimal.NewFromFloat(c.MaintenanceMargin),
	}, deps.Protocol, deps.Positions, deps.Liquidations, a.logger, opts...)
}

func (a *App) buildScheduler(deps *Dependencies) *funding.Scheduler {
	c := a.cfg.Funding
	opts := []funding.Option{
		funding.WithMetrics(deps.Metrics),
		funding.WithNotifier(deps.Notifier),
	}
	if deps.Locks != nil {
		opts = append(opts, funding.WithLocks(deps.Locks))
	}
	if deps.Events != nil {
		opts = append(opts, funding.WithEvents(deps.Events))
	}
	return funding.New(funding.Config{
		CheckInterval:   c.CheckInterval.Duration,
		FundingInterval: c.FundingInterval.Duration,
		Debounce:        c.Debounce.Duration,
		RetryDelay:      c.RetryDelay.Duration,
		MaxGasPriceGwei: c.MaxGasPriceGwei,
		ReceiptTimeout:  a.cfg.Chain.ReceiptTimeout.Duration,
	}, deps.Protocol, deps.Funding, a.logger, opts...)
}
