// Package archive runs the daily audit export on a cron schedule.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// Job exports finished UTC days of audit records. Each run walks back
// Lookback days so a missed run is caught up; days already exported are
// skipped by the Archiver.
type Job struct {
	archiver domain.Archiver
	lookback int
	logger   *slog.Logger
	now      func() time.Time
}

// NewJob exports the last lookback finished days on each run.
func NewJob(a domain.Archiver, lookback int, logger *slog.Logger) *Job {
	if lookback <= 0 {
		lookback = 1
	}
	return &Job{
		archiver: a,
		lookback: lookback,
		logger:   logger.With(slog.String("component", "archive")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce exports the last lookback finished days, oldest first. It keeps
// going past a failed day and returns the joined errors.
func (j *Job) RunOnce(ctx context.Context) error {
	today := j.now().Truncate(24 * time.Hour)
	var errs []error
	var liqTotal, fundTotal int64

	for i := j.lookback; i >= 1; i-- {
		day := today.AddDate(0, 0, -i)
		liq, err := j.archiver.ExportLiquidations(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: liquidations %s: %w", day.Format(time.DateOnly), err))
		}
		fund, err := j.archiver.ExportFundingUpdates(ctx, day)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive: funding updates %s: %w", day.Format(time.DateOnly), err))
		}
		liqTotal += liq
		fundTotal += fund
	}

	j.logger.Info("archive run complete",
		slog.Int64("liquidations", liqTotal),
		slog.Int64("funding_updates", fundTotal),
		slog.Int("days", j.lookback),
	)
	return errors.Join(errs...)
}

// RunCron runs RunOnce at every time matching expr until ctx is cancelled.
func (j *Job) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	j.logger.Info("archive cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(j.now())
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("archive run failed", slog.String("error", err.Error()))
		}
	}
}
