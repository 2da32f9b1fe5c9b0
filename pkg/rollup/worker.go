// Package rollup implements the daily usage rollup worker (C11): folding
// C4's live Redis hashes into durable daily_rollup / provider_usage rows on
// a schedule or on demand, and draining the source key only once the
// durable write commits.
package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/pkg/usagemetrics"
)

// dateLayout matches usagemetrics.Aggregate.Date (YYYY-MM-DD).
const dateLayout = "2006-01-02"

// Worker folds usagemetrics aggregates into durable rollup rows (spec.md
// §4.8).
type Worker struct {
	reader  *usagemetrics.Reader
	queries *db.Queries
	logger  *slog.Logger

	rowsTotal prometheus.Counter
}

// NewWorker creates a Worker.
func NewWorker(reader *usagemetrics.Reader, queries *db.Queries, logger *slog.Logger, rowsTotal prometheus.Counter) *Worker {
	return &Worker{reader: reader, queries: queries, logger: logger, rowsTotal: rowsTotal}
}

// RunOnce scans every live C4 key and upserts its durable rollup, deleting
// the source key only after that key's durable write commits. Each key is
// an independent unit of work: one key's failure doesn't block the rest
// (spec.md §4.8: "Partial progress across keys within a day is allowed").
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	aggregates, err := w.reader.ScanAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("scanning usage metrics keys: %w", err)
	}

	committed := 0
	for _, agg := range aggregates {
		key := usagemetrics.KeyPrefix + agg.ApiKeyID.String() + ":" + agg.Date
		if err := w.commit(ctx, agg); err != nil {
			w.logger.Error("rollup upsert failed, key left intact for next run",
				"key", key, "error", err)
			continue
		}
		if err := w.reader.DeleteKey(ctx, key); err != nil {
			w.logger.Error("rollup committed but source key deletion failed", "key", key, "error", err)
		}
		committed++
	}
	return committed, nil
}

// commit upserts one aggregate's daily_rollup row and provider_usage
// counters (spec.md §4.8 steps 2-3).
func (w *Worker) commit(ctx context.Context, agg usagemetrics.Aggregate) error {
	date, err := time.Parse(dateLayout, agg.Date)
	if err != nil {
		return fmt.Errorf("parsing rollup date %q: %w", agg.Date, err)
	}

	providers, err := json.Marshal(agg.ByProvider)
	if err != nil {
		return fmt.Errorf("marshaling provider breakdown: %w", err)
	}
	fileTypes, err := json.Marshal(agg.ByContentType)
	if err != nil {
		return fmt.Errorf("marshaling content-type breakdown: %w", err)
	}
	fileCategories, err := json.Marshal(agg.ByCategory)
	if err != nil {
		return fmt.Errorf("marshaling category breakdown: %w", err)
	}

	lastUsedAt := agg.LastActivityAt
	if lastUsedAt.IsZero() {
		lastUsedAt = date
	}

	if _, err := w.queries.UpsertDailyRollup(ctx, db.UpsertDailyRollupParams{
		ApiKeyID: agg.ApiKeyID, Date: date, Total: agg.TotalRequests,
		Providers: providers, FileTypes: fileTypes, FileCategories: fileCategories,
		LastUsedAt: lastUsedAt,
	}); err != nil {
		return fmt.Errorf("upserting daily rollup: %w", err)
	}

	if agg.TenantID != uuid.Nil {
		for provider, count := range agg.ByProvider {
			if _, err := w.queries.IncrProviderUsage(ctx, agg.TenantID, provider, count, lastUsedAt); err != nil {
				return fmt.Errorf("incrementing provider usage for %s: %w", provider, err)
			}
		}
	}

	if w.rowsTotal != nil {
		w.rowsTotal.Inc()
	}
	return nil
}

// Run blocks, running RunOnce once per day at the configured wall-clock
// hour/minute (spec.md §4.8: "Daily at a configured wall-clock time"),
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context, hour, minute int) {
	for {
		next := nextRun(time.Now(), hour, minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("daily rollup pass failed", "error", err)
			}
		}
	}
}

func nextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
