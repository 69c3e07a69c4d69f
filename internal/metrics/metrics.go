// Package metrics defines the keeper's Prometheus metrics. All helper methods
// are safe to call on a nil *Metrics so components can run unmetered in
// tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every keeper metric.
type Metrics struct {
	// Indexer
	ChainHead       prometheus.Gauge
	LastSyncedBlock *prometheus.GaugeVec
	EventsApplied   *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	ChunkFailures   *prometheus.CounterVec
	PushEvents      prometheus.Counter

	// Liquidation
	OpenPositions       prometheus.Gauge
	PositionChecks      *prometheus.CounterVec
	LiquidationAttempts *prometheus.CounterVec
	InFlight            prometheus.Gauge

	// Funding
	FundingSubmissions *prometheus.CounterVec
	FundingElapsed     prometheus.Gauge

	// Loops
	LoopErrors   *prometheus.CounterVec
	LoopDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChainHead: f.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_chain_head_block",
			Help: "Latest block number observed by the indexer",
		}),
		LastSyncedBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "keeper_indexer_last_synced_block",
			Help: "Cursor position per watched contract",
		}, []string{"contract"}),
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_indexer_events_applied_total",
			Help: "Contract events applied to the position store",
		}, []string{"event"}),
		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_indexer_events_failed_total",
			Help: "Contract events skipped after a processing error",
		}, []string{"event"}),
		ChunkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_indexer_chunk_failures_total",
			Help: "Block chunks that failed and will be retried",
		}, []string{"contract"}),
		PushEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "keeper_indexer_push_events_total",
			Help: "Events received over the push subscription",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_open_positions",
			Help: "Open positions in the local mirror",
		}),
		PositionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_liquidation_checks_total",
			Help: "Staleness-pass evaluations by verdict and source",
		}, []string{"verdict", "source"}),
		LiquidationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_liquidation_attempts_total",
			Help: "Liquidation attempts by outcome",
		}, []string{"outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_liquidations_in_flight",
			Help: "Liquidations currently being processed",
		}),

		FundingSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_funding_submissions_total",
			Help: "Funding update submissions by outcome",
		}, []string{"outcome"}),
		FundingElapsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_funding_elapsed_seconds",
			Help: "Seconds since the last on-chain funding update",
		}),

		LoopErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_loop_errors_total",
			Help: "Iteration-level errors per keeper loop",
		}, []string{"loop"}),
		LoopDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keeper_loop_duration_seconds",
			Help:    "Duration of one loop iteration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"loop"}),
	}
}

// Head records the latest chain head seen.
func (m *Metrics) Head(block uint64) {
	if m == nil {
		return
	}
	m.ChainHead.Set(float64(block))
}

// Synced records a contract cursor.
func (m *Metrics) Synced(contract string, block uint64) {
	if m == nil {
		return
	}
	m.LastSyncedBlock.WithLabelValues(contract).Set(float64(block))
}

// EventApplied counts an applied event by type.
func (m *Metrics) EventApplied(event string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(event).Inc()
}

// EventFailed counts a skipped event by type.
func (m *Metrics) EventFailed(event string) {
	if m == nil {
		return
	}
	m.EventsFailed.WithLabelValues(event).Inc()
}

// ChunkFailed counts a chunk left for retry.
func (m *Metrics) ChunkFailed(contract string) {
	if m == nil {
		return
	}
	m.ChunkFailures.WithLabelValues(contract).Inc()
}

// PushEvent counts a log delivered by subscription.
func (m *Metrics) PushEvent() {
	if m == nil {
		return
	}
	m.PushEvents.Inc()
}

// Open sets the open position count.
func (m *Metrics) Open(n int64) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// Checked counts a liquidatability verdict and where it came from.
func (m *Metrics) Checked(verdict, source string) {
	if m == nil {
		return
	}
	m.PositionChecks.WithLabelValues(verdict, source).Inc()
}

// Attempt counts a liquidation by outcome.
func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	m.LiquidationAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) InFlightDelta(d float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(d)
}

// Funding counts a funding tick by result.
func (m *Metrics) Funding(outcome string) {
	if m == nil {
		return
	}
	m.FundingSubmissions.WithLabelValues(outcome).Inc()
}

// FundingAge sets the time since the last on-chain settlement.
func (m *Metrics) FundingAge(d time.Duration) {
	if m == nil {
		return
	}
	m.FundingElapsed.Set(d.Seconds())
}

// LoopError counts a failed loop iteration.
func (m *Metrics) LoopError(loop string) {
	if m == nil {
		return
	}
	m.LoopErrors.WithLabelValues(loop).Inc()
}

// ObserveLoop records one iteration's duration.
func (m *Metrics) ObserveLoop(loop string, d time.Duration) {
	if m == nil {
		return
	}
	m.LoopDuration.WithLabelValues(loop).Observe(d.Seconds())
}
