package router

import "sync"

// LoadTracker keeps approximate per-model in-flight request counts.
// The engine reads it under the read lock; the Router updates it when
// leases are issued and released.
type LoadTracker struct {
	mu       sync.RWMutex
	inflight map[string]int
}

// NewLoadTracker returns an empty tracker.
func NewLoadTracker() *LoadTracker {
	return &LoadTracker{inflight: make(map[string]int)}
}

// Begin records one more in-flight request on modelID.
func (t *LoadTracker) Begin(modelID string) {
	t.mu.Lock()
	t.inflight[modelID]++
	t.mu.Unlock()
}

// End records completion of one request on modelID.
func (t *LoadTracker) End(modelID string) {
	t.mu.Lock()
	if n := t.inflight[modelID]; n <= 1 {
		delete(t.inflight, modelID)
	} else {
		t.inflight[modelID] = n - 1
	}
	t.mu.Unlock()
}

// Inflight returns the current in-flight count for modelID.
func (t *LoadTracker) Inflight(modelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inflight[modelID]
}

// Snapshot returns a copy of all non-zero counts.
func (t *LoadTracker) Snapshot() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.inflight))
	for id, n := range t.inflight {
		out[id] = n
	}
	return out
}
