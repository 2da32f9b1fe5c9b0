package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const webhookColumns = `id, tenant_id, api_key_id, target_url, secret, trigger_mode, provider,
	provider_locator_sealed, filename, content_type, file_size, etag, status, attempt_count,
	last_attempt_at, next_retry_at, error_message, created_at, updated_at, expires_at,
	completed_at, failed_at, metadata, response_status, response_body`

func scanWebhook(row rowScanner) (Webhook, error) {
	var w Webhook
	err := row.Scan(
		&w.ID, &w.TenantID, &w.ApiKeyID, &w.TargetURL, &w.Secret, &w.TriggerMode, &w.Provider,
		&w.ProviderLocatorSealed, &w.Filename, &w.ContentType, &w.FileSize, &w.Etag, &w.Status,
		&w.AttemptCount, &w.LastAttemptAt, &w.NextRetryAt, &w.ErrorMessage, &w.CreatedAt,
		&w.UpdatedAt, &w.ExpiresAt, &w.CompletedAt, &w.FailedAt, &w.Metadata,
		&w.ResponseStatus, &w.ResponseBody,
	)
	return w, err
}

// CreateWebhookParams holds parameters for CreateWebhook.
type CreateWebhookParams struct {
	TenantID              uuid.UUID
	ApiKeyID              uuid.UUID
	TargetURL             string
	Secret                []byte
	TriggerMode           string
	Provider              string
	ProviderLocatorSealed []byte
	Filename              string
	ContentType           string
	FileSize              int64
	Metadata              []byte
	ExpiresAt             time.Time
}

// CreateWebhook inserts a new pending webhook record (external producer API,
// spec.md §6 CreateWebhook).
func (q *Queries) CreateWebhook(ctx context.Context, p CreateWebhookParams) (Webhook, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO webhooks (
			tenant_id, api_key_id, target_url, secret, trigger_mode, provider,
			provider_locator_sealed, filename, content_type, file_size, status,
			attempt_count, metadata, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',0,$11,$12)
		RETURNING `+webhookColumns,
		p.TenantID, p.ApiKeyID, p.TargetURL, p.Secret, p.TriggerMode, p.Provider,
		p.ProviderLocatorSealed, p.Filename, p.ContentType, p.FileSize, p.Metadata, p.ExpiresAt,
	)
	w, err := scanWebhook(row)
	if err != nil {
		return Webhook{}, fmt.Errorf("creating webhook: %w", err)
	}
	return w, nil
}

// GetWebhook fetches a webhook by ID regardless of tenant, for internal engine use.
func (q *Queries) GetWebhook(ctx context.Context, id uuid.UUID) (Webhook, error) {
	row := q.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if err != nil {
		return Webhook{}, fmt.Errorf("getting webhook %s: %w", id, err)
	}
	return w, nil
}

// GetWebhookForTenant fetches a webhook scoped to tenantID; access control
// denies cross-tenant reads (spec.md §3 invariant).
func (q *Queries) GetWebhookForTenant(ctx context.Context, id, tenantID uuid.UUID) (Webhook, error) {
	row := q.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	w, err := scanWebhook(row)
	if err != nil {
		return Webhook{}, fmt.Errorf("getting webhook %s for tenant %s: %w", id, tenantID, err)
	}
	return w, nil
}

// ListWebhooksParams holds filter/pagination parameters for ListWebhooks.
type ListWebhooksParams struct {
	TenantID uuid.UUID
	Status   string // empty means no filter
	Limit    int32
	Offset   int32
}

// ListWebhooks returns a tenant's webhooks, optionally filtered by status,
// newest first (spec.md §6 ListWebhooks).
func (q *Queries) ListWebhooks(ctx context.Context, p ListWebhooksParams) ([]Webhook, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if p.Status != "" {
		rows, err = q.db.Query(ctx, `SELECT `+webhookColumns+` FROM webhooks
			WHERE tenant_id = $1 AND status = $2
			ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
			p.TenantID, p.Status, p.Limit, p.Offset)
	} else {
		rows, err = q.db.Query(ctx, `SELECT `+webhookColumns+` FROM webhooks
			WHERE tenant_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			p.TenantID, p.Limit, p.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	defer rows.Close()

	var items []Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning webhook row: %w", err)
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhook rows: %w", err)
	}
	return items, nil
}

// CountWebhooks returns the total row count matching ListWebhooksParams' filter,
// used to compute OffsetPage.TotalPages.
func (q *Queries) CountWebhooks(ctx context.Context, tenantID uuid.UUID, status string) (int, error) {
	var count int
	var err error
	if status != "" {
		err = q.db.QueryRow(ctx, `SELECT count(*) FROM webhooks WHERE tenant_id = $1 AND status = $2`, tenantID, status).Scan(&count)
	} else {
		err = q.db.QueryRow(ctx, `SELECT count(*) FROM webhooks WHERE tenant_id = $1`, tenantID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting webhooks: %w", err)
	}
	return count, nil
}

// MarkVerifying transitions a webhook pending -> verifying and optionally
// records an etag (spec.md §6 ConfirmUpload).
func (q *Queries) MarkVerifying(ctx context.Context, id uuid.UUID, etag pgtype.Text) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhooks SET status = 'verifying', etag = COALESCE($2, etag), updated_at = now()
		WHERE id = $1 AND status IN ('pending','verifying')`, id, etag)
	if err != nil {
		return fmt.Errorf("marking webhook %s verifying: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s not eligible for confirm: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// MarkFailedExpired transitions an expired webhook to failed (ConfirmUpload
// of an expired record, spec.md §7).
func (q *Queries) MarkFailedExpired(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhooks SET status = 'failed', failed_at = now(), error_message = 'webhook expired', updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking webhook %s expired: %w", id, err)
	}
	return nil
}

// UpdateIntermediateParams carries an intermediate etag/fileSize write made
// as soon as a verifier observes provider metadata, ahead of the terminal
// delivery write (spec.md §4.6 "intermediate write, ok to do immediately").
type UpdateIntermediateParams struct {
	ID       uuid.UUID
	Etag     pgtype.Text
	FileSize pgtype.Int8
}

// UpdateIntermediate applies a mid-delivery metadata update.
func (q *Queries) UpdateIntermediate(ctx context.Context, p UpdateIntermediateParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhooks SET
			etag = COALESCE($2, etag),
			file_size = COALESCE($3, file_size),
			updated_at = now()
		WHERE id = $1`, p.ID, p.Etag, p.FileSize)
	if err != nil {
		return fmt.Errorf("updating intermediate metadata for webhook %s: %w", p.ID, err)
	}
	return nil
}

// ApplyOutcomeParams is the terminal per-record write produced by the
// delivery engine's phase-2 batched commit (spec.md §4.6).
type ApplyOutcomeParams struct {
	ID             uuid.UUID
	Status         string
	AttemptCount   int32
	LastAttemptAt  time.Time
	NextRetryAt    pgtype.Timestamptz
	ErrorMessage   pgtype.Text
	CompletedAt    pgtype.Timestamptz
	FailedAt       pgtype.Timestamptz
	ResponseStatus pgtype.Int4
	ResponseBody   pgtype.Text
	Etag           pgtype.Text
	FileSize       pgtype.Int8
}

// ApplyOutcome writes the terminal outcome of a single delivery attempt.
// Last-writer-wins between interleaved attempts (spec.md §5 Ordering); a
// completed webhook is never re-opened by an outcome write.
func (q *Queries) ApplyOutcome(ctx context.Context, p ApplyOutcomeParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhooks SET
			status = $2,
			attempt_count = $3,
			last_attempt_at = $4,
			next_retry_at = $5,
			error_message = $6,
			completed_at = COALESCE(completed_at, $7),
			failed_at = COALESCE(failed_at, $8),
			response_status = $9,
			response_body = $10,
			etag = COALESCE($11, etag),
			file_size = COALESCE($12, file_size),
			updated_at = now()
		WHERE id = $1 AND status <> 'completed'`,
		p.ID, p.Status, p.AttemptCount, p.LastAttemptAt, p.NextRetryAt, p.ErrorMessage,
		p.CompletedAt, p.FailedAt, p.ResponseStatus, p.ResponseBody, p.Etag, p.FileSize,
	)
	if err != nil {
		return fmt.Errorf("applying outcome for webhook %s: %w", p.ID, err)
	}
	return nil
}

// ResetForRetry zeroes attemptCount/errorMessage and sets status back to
// pending — used by both the operator RetryWebhook call and the dead-letter
// reaper (spec.md §4.7, §6 RetryWebhook).
func (q *Queries) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhooks SET
			status = 'pending', attempt_count = 0, error_message = NULL,
			next_retry_at = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'completed'`, id)
	if err != nil {
		return fmt.Errorf("resetting webhook %s for retry: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s is completed or missing: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// DeleteWebhook removes a webhook row, refused if completed (spec.md §6
// DeleteWebhook).
func (q *Queries) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM webhooks WHERE id = $1 AND status <> 'completed'`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s is completed or missing: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// DeleteCompletedOlderThan removes completed webhooks past the retention
// window (pkg/retention sweep, spec.md §3 Lifecycle).
func (q *Queries) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM webhooks WHERE status = 'completed' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting retained completed webhooks: %w", err)
	}
	return tag.RowsAffected(), nil
}
