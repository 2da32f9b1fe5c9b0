package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, webhook_id, original_snapshot, failure_reason, attempt_count,
	created_at, retry_after, resolved, resolved_at, resolved_by`

func scanDeadLetter(row rowScanner) (WebhookDeadLetter, error) {
	var d WebhookDeadLetter
	err := row.Scan(&d.ID, &d.WebhookID, &d.OriginalSnapshot, &d.FailureReason, &d.AttemptCount,
		&d.CreatedAt, &d.RetryAfter, &d.Resolved, &d.ResolvedAt, &d.ResolvedBy)
	return d, err
}

// CreateDeadLetterParams holds parameters for CreateDeadLetter.
type CreateDeadLetterParams struct {
	WebhookID        uuid.UUID
	OriginalSnapshot []byte
	FailureReason    string
	AttemptCount     int32
	RetryAfter       time.Time
}

// CreateDeadLetter inserts a dead-letter row when a webhook's attempts are
// exhausted (spec.md §4.6). retryAfter is set explicitly by the caller —
// the reference behavior left this field unset, which DESIGN.md records as
// a resolved Open Question (default now()+1h, chosen by pkg/deadletter).
func (q *Queries) CreateDeadLetter(ctx context.Context, p CreateDeadLetterParams) (WebhookDeadLetter, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO webhook_dead_letter (webhook_id, original_snapshot, failure_reason, attempt_count, retry_after)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+deadLetterColumns,
		p.WebhookID, p.OriginalSnapshot, p.FailureReason, p.AttemptCount, p.RetryAfter,
	)
	d, err := scanDeadLetter(row)
	if err != nil {
		return WebhookDeadLetter{}, fmt.Errorf("creating dead-letter row for webhook %s: %w", p.WebhookID, err)
	}
	return d, nil
}

// ListDueDeadLetters returns up to limit unresolved dead-letter rows whose
// retryAfter has elapsed, for the reaper's periodic resurrection pass
// (spec.md §4.7).
func (q *Queries) ListDueDeadLetters(ctx context.Context, limit int32) ([]WebhookDeadLetter, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+deadLetterColumns+` FROM webhook_dead_letter
		WHERE resolved = false AND retry_after <= now()
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due dead-letter rows: %w", err)
	}
	defer rows.Close()

	var items []WebhookDeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead-letter row: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead-letter rows: %w", err)
	}
	return items, nil
}

// DeleteDeadLetter removes the dead-letter row for a resurrected webhook.
func (q *Queries) DeleteDeadLetter(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM webhook_dead_letter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting dead-letter row %s: %w", id, err)
	}
	return nil
}

// ResolveDeadLetter marks a row resolved without re-queueing (spec.md §4.7
// operator endpoint Resolve(deadLetterId, actorId)).
func (q *Queries) ResolveDeadLetter(ctx context.Context, id uuid.UUID, actorID string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhook_dead_letter SET resolved = true, resolved_at = now(), resolved_by = $2
		WHERE id = $1 AND resolved = false`, id, actorID)
	if err != nil {
		return fmt.Errorf("resolving dead-letter row %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead-letter row %s not found or already resolved: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// DeleteResolvedOlderThan removes resolved dead-letter rows past the
// operator-configured retention window (pkg/retention sweep).
func (q *Queries) DeleteResolvedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM webhook_dead_letter WHERE resolved = true AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting retained resolved dead-letter rows: %w", err)
	}
	return tag.RowsAffected(), nil
}
