package app

import (
	"maps"
	"sync"
)

// Loop states reported on /api/health.
const (
	loopRunning = "running"
	loopStopped = "stopped"
	loopFailed  = "failed"
)

// LoopTracker records the state of each started loop. It implements
// handler.LoopReporter.
type LoopTracker struct {
	mu     sync.RWMutex
	states map[string]string
	probes map[string]func() string
}

// NewLoopTracker returns an empty tracker.
func NewLoopTracker() *LoopTracker {
	return &LoopTracker{
		states: make(map[string]string),
		probes: make(map[string]func() string),
	}
}

// Set records a fixed state for name.
func (t *LoopTracker) Set(name, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[name] = state
}

// Watch reports name through fn while it is running, for loops with a
// richer internal state such as the indexer.
func (t *LoopTracker) Watch(name string, fn func() string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes[name] = fn
}

// Loops returns a snapshot of every loop's state.
func (t *LoopTracker) Loops() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := maps.Clone(t.states)
	for name, fn := range t.probes {
		if out[name] == loopRunning {
			out[name] = fn()
		}
	}
	return out
}
