package admission

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/uploadgw/pkg/counterstore"
)

func newTestStore(t *testing.T) (*counterstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return counterstore.New(rdb), mr
}

func testFailOpenCounter() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "test_shared_gate_fail_open_total"})
}

func TestSharedGate_AllowsUnderQuota(t *testing.T) {
	store, _ := newTestStore(t)
	gate := NewSharedGate(store, time.Minute, 5, slog.Default(), testFailOpenCounter())

	for i := 0; i < 5; i++ {
		d, err := gate.Check(context.Background(), "tenant-a", "upload")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be within quota of 5", i+1)
		}
	}
}

func TestSharedGate_RejectsOverQuota(t *testing.T) {
	store, _ := newTestStore(t)
	gate := NewSharedGate(store, time.Minute, 2, slog.Default(), testFailOpenCounter())

	ctx := context.Background()
	gate.Check(ctx, "tenant-b", "upload")
	gate.Check(ctx, "tenant-b", "upload")
	d, err := gate.Check(ctx, "tenant-b", "upload")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allowed {
		t.Error("3rd request should exceed quota of 2")
	}
	if d.CurrentUsage != 3 {
		t.Errorf("CurrentUsage = %d, want 3", d.CurrentUsage)
	}
}

func TestSharedGate_FailsOpenOnStoreOutage(t *testing.T) {
	store, mr := newTestStore(t)
	gate := NewSharedGate(store, time.Minute, 2, slog.Default(), testFailOpenCounter())

	mr.Close()

	d, err := gate.Check(context.Background(), "tenant-c", "upload")
	if err != nil {
		t.Fatalf("Check() error = %v, want nil (fail open)", err)
	}
	if !d.Allowed {
		t.Error("Check() should fail open when the counter store is unreachable")
	}
	if !d.FailedOpen {
		t.Error("Decision.FailedOpen should be true on store outage")
	}
}
