package app

import "testing"

func TestLoopTracker(t *testing.T) {
	tr := NewLoopTracker()
	indexerState := "backfilling"
	tr.Set("indexer", loopRunning)
	tr.Watch("indexer", func() string { return indexerState })
	tr.Set("funding", loopFailed)

	got := tr.Loops()
	if got["indexer"] != "backfilling" {
		t.Errorf("indexer = %q, want watched state", got["indexer"])
	}
	if got["funding"] != loopFailed {
		t.Errorf("funding = %q", got["funding"])
	}

	indexerState = "live"
	if s := tr.Loops()["indexer"]; s != "live" {
		t.Errorf("indexer = %q, want live", s)
	}

	tr.Set("indexer", loopStopped)
	if s := tr.Loops()["indexer"]; s != loopStopped {
		t.Errorf("stopped loop reported %q", s)
	}

	got["funding"] = "mutated"
	if tr.Loops()["funding"] != loopFailed {
		t.Error("Loops returned internal map")
	}
}
