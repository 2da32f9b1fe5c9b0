// Package retention implements the low-priority garbage-collection sweep
// that deletes records past their retention window: completed webhooks
// older than 30 days, and resolved dead-letter rows past an
// operator-configured window (spec.md §3 Lifecycle: "destroyed by
// retention policy").
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/uploadgw/internal/db"
)

// webhookRetention is the fixed window spec.md §3 names explicitly
// ("completed records older than 30 days may be deleted").
const webhookRetention = 30 * 24 * time.Hour

// defaultDeadLetterRetention is the operator-configurable default for
// resolved dead-letter rows; spec.md leaves the exact window to the
// operator ("operator-set retention").
const defaultDeadLetterRetention = 90 * 24 * time.Hour

// defaultInterval is how often the sweep runs.
const defaultInterval = time.Hour

// Sweeper periodically deletes expired completed webhooks and resolved
// dead-letter rows.
type Sweeper struct {
	queries             *db.Queries
	logger              *slog.Logger
	interval            time.Duration
	deadLetterRetention time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the default sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithDeadLetterRetention overrides the operator-configured resolved
// dead-letter retention window.
func WithDeadLetterRetention(d time.Duration) Option {
	return func(s *Sweeper) { s.deadLetterRetention = d }
}

// NewSweeper creates a Sweeper.
func NewSweeper(queries *db.Queries, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		queries: queries, logger: logger,
		interval: defaultInterval, deadLetterRetention: defaultDeadLetterRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce deletes completed webhooks older than the fixed 30-day window
// and resolved dead-letter rows older than the configured window. Returns
// counts for observability; a failure in one category does not block the
// other.
func (s *Sweeper) RunOnce(ctx context.Context) (webhooksDeleted, deadLettersDeleted int64, err error) {
	now := time.Now()

	webhooksDeleted, werr := s.queries.DeleteCompletedOlderThan(ctx, now.Add(-webhookRetention))
	if werr != nil {
		s.logger.Error("retention sweep: deleting completed webhooks failed", "error", werr)
		err = fmt.Errorf("deleting completed webhooks: %w", werr)
	}

	deadLettersDeleted, derr := s.queries.DeleteResolvedOlderThan(ctx, now.Add(-s.deadLetterRetention))
	if derr != nil {
		s.logger.Error("retention sweep: deleting resolved dead-letter rows failed", "error", derr)
		if err == nil {
			err = fmt.Errorf("deleting resolved dead-letter rows: %w", derr)
		}
	}

	return webhooksDeleted, deadLettersDeleted, err
}

// Run blocks, running RunOnce every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			webhooksDeleted, deadLettersDeleted, err := s.RunOnce(ctx)
			if err != nil {
				continue
			}
			if webhooksDeleted > 0 || deadLettersDeleted > 0 {
				s.logger.Info("retention sweep complete",
					"webhooks_deleted", webhooksDeleted, "dead_letters_deleted", deadLettersDeleted)
			}
		}
	}
}
