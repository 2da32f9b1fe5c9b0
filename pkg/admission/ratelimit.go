package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/pkg/counterstore"
)

// SharedGate is the shared counter gate (C3 gate 2): a counter in C2 keyed
// by (tenantId, operationClass, windowId) with an operation-class-specific
// quota and a TTL equal to the window (spec.md §4.1).
type SharedGate struct {
	store      *counterstore.Client
	window     time.Duration
	quota      int64
	logger     *slog.Logger
	failOpenCh prometheus.Counter
}

// NewSharedGate creates a SharedGate backed by the counter store.
// failOpenCounter is incremented every time the gate fails open because the
// counter store was unreachable.
func NewSharedGate(store *counterstore.Client, window time.Duration, quota int64, logger *slog.Logger, failOpenCounter prometheus.Counter) *SharedGate {
	return &SharedGate{store: store, window: window, quota: quota, logger: logger, failOpenCh: failOpenCounter}
}

// windowID buckets time into fixed windows so every request within the same
// window shares one counter key.
func windowID(window time.Duration, at time.Time) int64 {
	return at.UnixNano() / window.Nanoseconds()
}

// sharedKey builds the Redis key for (tenantId, operationClass, windowId).
func sharedKey(tenantID, operationClass string, window time.Duration, at time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", tenantID, operationClass, windowID(window, at))
}

// Check increments the shared counter and reports whether the tenant is
// within its per-window quota for the operation class. Admission gates fail
// open on a counter-store outage (spec.md §7: deliveries, not admission,
// are the hard dependency on C2).
func (g *SharedGate) Check(ctx context.Context, tenantID, operationClass string) (Decision, error) {
	key := sharedKey(tenantID, operationClass, g.window, time.Now())

	count, err := g.store.IncrWithTTL(ctx, key, g.window)
	if err != nil {
		g.logger.Warn("counter store unreachable, failing open", "tenant_id", tenantID, "operation_class", operationClass, "error", err)
		if g.failOpenCh != nil {
			g.failOpenCh.Inc()
		}
		return Decision{
			Allowed:    true,
			Layer:      "shared",
			Limit:      g.quota,
			FailedOpen: true,
		}, nil
	}

	return Decision{
		Allowed:      count <= g.quota,
		Layer:        "shared",
		CurrentUsage: count,
		Limit:        g.quota,
	}, nil
}
