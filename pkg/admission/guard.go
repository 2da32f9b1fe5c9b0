// Package admission implements the three-layer admission pipeline (C3):
// an in-process memory guard, a shared Redis counter gate, and a durable
// Postgres quota gate, applied in order on every request before any
// provider call (spec.md §4.1).
package admission

import (
	"sync"
	"time"
)

// Decision is the outcome of a single gate, or of the pipeline as a whole.
type Decision struct {
	Allowed      bool
	Layer        string // "memory", "shared", "quota"
	CurrentUsage int64
	Limit        int64
	Reason       string
	FailedOpen   bool // quota gate only: true when the durable store was unreachable
}

// window is a fixed-window counter for one (tenantId, operationClass) pair.
type window struct {
	start time.Time
	count int
}

// MemoryGuard is a per-process fixed-window counter keyed by
// (tenantId, operationClass): a window's count restarts once windowSize
// has passed since it began, and requests from the previous window are
// not weighed. It absorbs bursts at the edge with
// sub-millisecond latency and fails open if its own map overflows
// (spec.md §4.1 gate 1).
type MemoryGuard struct {
	mu         sync.Mutex
	windows    map[string]*window
	windowSize time.Duration
	burst      int
	maxEntries int
	checks     uint64
}

// NewMemoryGuard creates a MemoryGuard with the given window size and
// per-window burst allowance. maxEntries bounds the guard's own memory
// footprint; once exceeded, the guard fails open rather than grow unbounded.
func NewMemoryGuard(windowSize time.Duration, burst int) *MemoryGuard {
	return &MemoryGuard{
		windows:    make(map[string]*window),
		windowSize: windowSize,
		burst:      burst,
		maxEntries: 100_000,
	}
}

// sweepInterval is how often (in Check calls) the guard opportunistically
// sweeps expired windows, so long-running processes with many distinct
// tenants don't rely solely on the maxEntries overflow fail-open.
const sweepInterval = 1000

// Check increments the counter for (tenantID, operationClass) and reports
// whether the caller is within the burst allowance for the current window.
func (g *MemoryGuard) Check(tenantID, operationClass string) Decision {
	key := tenantID + ":" + operationClass
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.checks++
	if g.checks%sweepInterval == 0 {
		g.sweepExpiredLocked(now)
	}

	if len(g.windows) >= g.maxEntries {
		if _, exists := g.windows[key]; !exists {
			// Fail open on overflow of its own map (spec.md §4.1).
			return Decision{Allowed: true, Layer: "memory", Reason: "memory_guard_overflow"}
		}
	}

	w, ok := g.windows[key]
	if !ok || now.Sub(w.start) >= g.windowSize {
		w = &window{start: now, count: 0}
		g.windows[key] = w
	}

	w.count++
	allowed := w.count <= g.burst

	return Decision{
		Allowed:      allowed,
		Layer:        "memory",
		CurrentUsage: int64(w.count),
		Limit:        int64(g.burst),
	}
}

// sweepExpiredLocked removes stale windows so the guard's memory does not
// grow without bound under a long-running process with many distinct
// tenants. Caller must hold g.mu.
func (g *MemoryGuard) sweepExpiredLocked(now time.Time) {
	for key, w := range g.windows {
		if now.Sub(w.start) >= 2*g.windowSize {
			delete(g.windows, key)
		}
	}
}
