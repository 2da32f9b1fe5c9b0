package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// defaultLimit bounds one reaper pass (spec.md §4.7: "up to limit").
const defaultLimit = 100

// defaultInterval is the reaper's periodic cadence (spec.md §4.7: "default
// every 5 min").
const defaultInterval = 5 * time.Minute

// resurrectPriority is the queue priority dead-lettered webhooks re-enter
// at (spec.md §4.7: "re-enqueue with priority 1").
const resurrectPriority = 1

// Enqueuer re-queues a webhook for delivery (pkg/delivery.Engine.Enqueue).
// Declared as an interface here so the reaper doesn't import pkg/delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID, priority int) error
}

// Reaper periodically resurrects dead-lettered webhooks whose retryAfter
// has elapsed (C10, spec.md §4.7).
type Reaper struct {
	queries  *db.Queries
	webhooks *webhook.Store
	engine   Enqueuer
	logger   *slog.Logger

	limit    int32
	interval time.Duration

	resurrectedTotal prometheus.Counter
}

// NewReaper creates a Reaper. limit and interval fall back to the spec's
// documented defaults when zero.
func NewReaper(queries *db.Queries, webhooks *webhook.Store, engine Enqueuer, logger *slog.Logger, resurrectedTotal prometheus.Counter, limit int32, interval time.Duration) *Reaper {
	if limit <= 0 {
		limit = defaultLimit
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reaper{
		queries: queries, webhooks: webhooks, engine: engine, logger: logger,
		limit: limit, interval: interval, resurrectedTotal: resurrectedTotal,
	}
}

// Run blocks, running RunOnce every interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("dead-letter reaper pass failed", "error", err)
			}
		}
	}
}

// RunOnce resurrects up to limit due dead-letter rows and returns how many
// were successfully resurrected (spec.md §4.7).
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	due, err := r.queries.ListDueDeadLetters(ctx, r.limit)
	if err != nil {
		return 0, fmt.Errorf("listing due dead-letter rows: %w", err)
	}

	resurrected := 0
	for _, d := range due {
		if err := r.resurrect(ctx, d); err != nil {
			r.logger.Error("resurrecting dead-lettered webhook failed, left for next pass",
				"dead_letter_id", d.ID, "webhook_id", d.WebhookID, "error", err)
			continue
		}
		resurrected++
	}
	return resurrected, nil
}

// resurrect zeroes the target webhook's attemptCount/errorMessage, sets it
// back to pending, deletes the dead-letter row, and re-enqueues it at
// priority 1 (spec.md §4.7). A failure before the row is deleted leaves
// it for the next pass. A failure of Enqueue after the delete leaves the
// webhook pending with neither a queue entry nor a dead-letter row, and
// later passes do not pick it up.
func (r *Reaper) resurrect(ctx context.Context, d db.WebhookDeadLetter) error {
	if err := r.webhooks.ResetForRetry(ctx, d.WebhookID); err != nil {
		return fmt.Errorf("resetting webhook %s: %w", d.WebhookID, err)
	}
	if err := r.queries.DeleteDeadLetter(ctx, d.ID); err != nil {
		return fmt.Errorf("deleting dead-letter row %s: %w", d.ID, err)
	}
	if err := r.engine.Enqueue(ctx, d.WebhookID, resurrectPriority); err != nil {
		return fmt.Errorf("re-enqueuing webhook %s: %w", d.WebhookID, err)
	}
	if r.resurrectedTotal != nil {
		r.resurrectedTotal.Inc()
	}
	return nil
}
