// Package app owns the keeper's lifecycle: it wires dependencies, starts the
// loops selected by the configured mode and tears everything down on exit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/perpkeeper/internal/config"
)

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	loops   *LoopTracker
	closers []func()
}

// New creates an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		loops:  NewLoopTracker(),
	}
}

// Run wires dependencies and blocks in the configured mode until ctx is
// cancelled or a loop fails fatally.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting keeper",
		slog.String("mode", a.cfg.Mode),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "full":
		return a.runLoops(ctx, deps, loopIndexer, loopLiquidation, loopFunding)
	case "indexer":
		return a.runLoops(ctx, deps, loopIndexer)
	case "liquidator":
		return a.runLoops(ctx, deps, loopLiquidation)
	case "funding":
		return a.runLoops(ctx, deps, loopFunding)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases resources in reverse order. Safe to call more than once.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	a.logger.Info("keeper stopped")
}
