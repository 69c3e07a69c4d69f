package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.Head(1)
	m.Synced("0x1", 1)
	m.EventApplied("PositionOpened")
	m.EventFailed("PositionOpened")
	m.ChunkFailed("0x1")
	m.PushEvent()
	m.Open(3)
	m.Checked("healthy", "local")
	m.Attempt("success")
	m.InFlightDelta(1)
	m.Funding("submitted")
	m.FundingAge(time.Minute)
	m.LoopError("indexer")
	m.ObserveLoop("indexer", time.Second)
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Attempt("success")
	m.Attempt("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() != "keeper_liquidation_attempts_total" {
			continue
		}
		found = true
		if got := f.GetMetric()[0].GetCounter().GetValue(); got != 2 {
			t.Fatalf("attempts = %v, want 2", got)
		}
	}
	if !found {
		t.Fatal("keeper_liquidation_attempts_total not registered")
	}
}
