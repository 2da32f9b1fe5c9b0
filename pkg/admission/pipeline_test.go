package admission

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/internal/db"
)

func newTestPipeline(t *testing.T, memoryBurst int, sharedQuota int64, dbQuota int64) *Pipeline {
	t.Helper()
	store, _ := newTestStore(t)
	fake := &fakeDBTX{quota: dbQuota}
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_admission_decisions"}, []string{"layer", "allowed"})
	return NewPipeline(Config{
		MemoryWindow:  time.Minute,
		MemoryBurst:   memoryBurst,
		SharedWindow:  time.Minute,
		SharedQuota:   sharedQuota,
		QuotaCacheTTL: time.Minute,
	}, store, db.New(fake), newTestLogger(), decisions, nil)
}

func TestPipeline_AllowsWithinAllGates(t *testing.T) {
	p := newTestPipeline(t, 10, 10, 10)

	result, err := p.Check(context.Background(), uuid.New(), "upload")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected admission, got %+v", result)
	}
}

func TestPipeline_ShortCircuitsAtMemoryGuard(t *testing.T) {
	p := newTestPipeline(t, 1, 10, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	p.Check(ctx, tenantID, "upload")
	result, err := p.Check(ctx, tenantID, "upload")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed || result.Layer != "memory" {
		t.Errorf("expected memory-layer rejection, got %+v", result)
	}
}

func TestPipeline_ShortCircuitsAtSharedGate(t *testing.T) {
	p := newTestPipeline(t, 10, 1, 10)
	tenantID := uuid.New()
	ctx := context.Background()

	p.Check(ctx, tenantID, "upload")
	result, err := p.Check(ctx, tenantID, "upload")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed || result.Layer != "shared" {
		t.Errorf("expected shared-layer rejection, got %+v", result)
	}
}

func TestPipeline_RejectsAtQuotaGate(t *testing.T) {
	p := newTestPipeline(t, 10, 10, 1)
	tenantID := uuid.New()
	ctx := context.Background()

	p.Check(ctx, tenantID, "upload")
	result, err := p.Check(ctx, tenantID, "upload")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed || result.Layer != "quota" {
		t.Errorf("expected quota-layer rejection, got %+v", result)
	}
}
