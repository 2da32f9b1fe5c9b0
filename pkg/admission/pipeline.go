package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/pkg/counterstore"
)

// Result is the pipeline's overall verdict, naming the first gate that
// rejected the request; Layer is empty when every gate admits it.
type Result struct {
	Allowed    bool
	Layer      string
	Reason     string
	FailedOpen bool
}

// Pipeline runs the three ordered admission gates and records decisions to
// telemetry (spec.md §4.1). A failure at any gate short-circuits evaluation.
type Pipeline struct {
	memory  *MemoryGuard
	shared  *SharedGate
	quota   *QuotaGate
	logger  *slog.Logger
	decisionsTotal *prometheus.CounterVec
}

// Config bundles the tunables needed to construct a Pipeline.
type Config struct {
	MemoryWindow     time.Duration
	MemoryBurst      int
	SharedWindow     time.Duration
	SharedQuota      int64
	QuotaCacheTTL    time.Duration
}

// NewPipeline wires the three gates into a single admission pipeline.
func NewPipeline(cfg Config, store *counterstore.Client, queries *db.Queries, logger *slog.Logger, decisionsTotal *prometheus.CounterVec, failOpenCounter prometheus.Counter) *Pipeline {
	return &Pipeline{
		memory: NewMemoryGuard(cfg.MemoryWindow, cfg.MemoryBurst),
		shared: NewSharedGate(store, cfg.SharedWindow, cfg.SharedQuota, logger, failOpenCounter),
		quota:  NewQuotaGate(store, queries, cfg.QuotaCacheTTL, logger, failOpenCounter),
		logger: logger,
		decisionsTotal: decisionsTotal,
	}
}

// Check evaluates all three gates in order for (tenantID, operationClass),
// short-circuiting on the first rejection.
func (p *Pipeline) Check(ctx context.Context, tenantID uuid.UUID, operationClass string) (Result, error) {
	memDecision := p.memory.Check(tenantID.String(), operationClass)
	p.record(memDecision)
	if !memDecision.Allowed {
		return Result{Layer: "memory", Reason: "memory_guard_exceeded"}, nil
	}

	sharedDecision, err := p.shared.Check(ctx, tenantID.String(), operationClass)
	if err != nil {
		return Result{}, fmt.Errorf("shared admission gate: %w", err)
	}
	p.record(sharedDecision)
	if !sharedDecision.Allowed {
		return Result{Layer: "shared", Reason: "shared_rate_exceeded"}, nil
	}

	quotaDecision, err := p.quota.Check(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("quota admission gate: %w", err)
	}
	p.record(quotaDecision)
	failedOpen := sharedDecision.FailedOpen || quotaDecision.FailedOpen
	if !quotaDecision.Allowed {
		return Result{Layer: "quota", Reason: "monthly_quota_exceeded", FailedOpen: failedOpen}, nil
	}

	return Result{Allowed: true, FailedOpen: failedOpen}, nil
}

// InvalidateTenant evicts cached quota state for tenantID across replicas.
func (p *Pipeline) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	return p.quota.InvalidateTenant(ctx, tenantID)
}

// ListenInvalidations runs the cross-replica cache-eviction subscriber until ctx is cancelled.
func (p *Pipeline) ListenInvalidations(ctx context.Context) error {
	return p.quota.ListenInvalidations(ctx)
}

func (p *Pipeline) record(d Decision) {
	if p.decisionsTotal == nil {
		return
	}
	allowed := "true"
	if !d.Allowed {
		allowed = "false"
	}
	p.decisionsTotal.WithLabelValues(d.Layer, allowed).Inc()
}
