package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/pkg/counterstore"
)

// InvalidateChannel is the pub/sub channel used to broadcast quota
// invalidations to every gateway replica (SPEC_FULL.md §5 elaboration of
// spec.md's "exposes invalidation hooks").
const InvalidateChannel = "admission:invalidate"

// QuotaGate is the durable quota gate (C3 gate 3): monthly tenant quota read
// through C2 as a 5-minute cache, with C1 Postgres as the source of truth
// (spec.md §4.1).
type QuotaGate struct {
	store      *counterstore.Client
	queries    *db.Queries
	cacheTTL   time.Duration
	logger     *slog.Logger
	failOpenCh prometheus.Counter
}

// NewQuotaGate creates a QuotaGate. failOpenCounter is incremented every
// time the gate fails open because the durable store was unreachable.
func NewQuotaGate(store *counterstore.Client, queries *db.Queries, cacheTTL time.Duration, logger *slog.Logger, failOpenCounter prometheus.Counter) *QuotaGate {
	return &QuotaGate{store: store, queries: queries, cacheTTL: cacheTTL, logger: logger, failOpenCh: failOpenCounter}
}

func quotaCacheKey(tenantID uuid.UUID) string {
	return "quota:" + tenantID.String()
}

func usageCounterKey(tenantID uuid.UUID, month string) string {
	return "quota:usage:" + tenantID.String() + ":" + month
}

// Check reads the tenant's monthly quota (via cache, falling back to the
// durable store) and the tenant's usage counter for the current month, then
// decides admission. On durable-store unreachability it fails open with a
// warning flag (spec.md §4.1, §9 "Fail-open in admission").
func (g *QuotaGate) Check(ctx context.Context, tenantID uuid.UUID) (Decision, error) {
	month := time.Now().UTC().Format("2006-01")
	usage, err := g.store.IncrWithTTL(ctx, usageCounterKey(tenantID, month), 31*24*time.Hour)
	if err != nil {
		// Counter-store outage: admission fails open (spec.md §7 — deliveries,
		// not admission, are the hard dependency on C2).
		g.logger.Warn("counter store unreachable, failing open", "tenant_id", tenantID, "error", err)
		if g.failOpenCh != nil {
			g.failOpenCh.Inc()
		}
		return Decision{
			Allowed:    true,
			Layer:      "quota",
			FailedOpen: true,
		}, nil
	}

	quota, failedOpen, err := g.resolveQuota(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:      usage <= quota,
		Layer:        "quota",
		CurrentUsage: usage,
		Limit:        quota,
		FailedOpen:   failedOpen,
	}, nil
}

// resolveQuota reads the cached quota, populating it from the durable store
// on a miss. On durable-store unreachability it fails open with a default
// quota and sets failedOpen.
func (g *QuotaGate) resolveQuota(ctx context.Context, tenantID uuid.UUID) (quota int64, failedOpen bool, err error) {
	cached, cacheErr := g.store.Get(ctx, quotaCacheKey(tenantID))
	if cacheErr == nil && cached != "" {
		parsed, parseErr := strconv.ParseInt(cached, 10, 64)
		if parseErr == nil {
			return parsed, false, nil
		}
		g.logger.Warn("invalid cached quota value, refetching", "tenant_id", tenantID, "value", cached)
	}

	dbQuota, dbErr := g.queries.GetTenantMonthlyQuota(ctx, tenantID)
	if dbErr != nil {
		g.logger.Warn("durable quota store unreachable, failing open", "tenant_id", tenantID, "error", dbErr)
		if g.failOpenCh != nil {
			g.failOpenCh.Inc()
		}
		return g.defaultFailOpenQuota(), true, nil
	}

	if setErr := g.store.SetWithTTL(ctx, quotaCacheKey(tenantID), strconv.FormatInt(dbQuota, 10), g.cacheTTL); setErr != nil {
		g.logger.Warn("failed to populate quota cache", "tenant_id", tenantID, "error", setErr)
	}

	return dbQuota, false, nil
}

// defaultFailOpenQuota is a generously high ceiling used only while the
// durable store is unreachable; it is never persisted.
func (g *QuotaGate) defaultFailOpenQuota() int64 {
	return 1 << 40
}

// InvalidateTenant evicts the cached quota entry for tenantID and publishes
// an invalidation message so other gateway replicas do the same
// (spec.md §4.1 "exposes invalidation hooks"; SPEC_FULL.md §5 elaboration).
func (g *QuotaGate) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error {
	if err := g.store.Del(ctx, quotaCacheKey(tenantID)); err != nil {
		return fmt.Errorf("invalidating quota cache for tenant %s: %w", tenantID, err)
	}
	if err := g.store.Publish(ctx, InvalidateChannel, tenantID.String()); err != nil {
		return fmt.Errorf("publishing quota invalidation for tenant %s: %w", tenantID, err)
	}
	return nil
}

// ListenInvalidations subscribes to InvalidateChannel and deletes the
// tenant's cached quota key in the counter store whenever another replica
// publishes an invalidation. It runs
// until ctx is cancelled.
func (g *QuotaGate) ListenInvalidations(ctx context.Context) error {
	sub := g.store.Subscribe(ctx, InvalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("admission invalidation subscription closed")
			}
			if err := g.store.Del(ctx, "quota:"+msg.Payload); err != nil {
				g.logger.Warn("failed to apply remote quota invalidation", "tenant_id", msg.Payload, "error", err)
			}
		}
	}
}
