// Package gatewayapi implements the producer and consumer API spec.md §6
// names explicitly: CreateWebhook/EnqueueWebhook for the signed-URL
// handlers that sit upstream of this pipeline, and
// ConfirmUpload/GetStatus/ListWebhooks/RetryWebhook/DeleteWebhook for
// clients and operators.
package gatewayapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/uploadgw/pkg/admission"
	"github.com/wisbric/uploadgw/pkg/counterstore"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// operationClassCreate is the admission pipeline's (tenantId, operationClass)
// key for CreateWebhook (spec.md §4.1).
const operationClassCreate = "create_webhook"

// confirmLockValue is an arbitrary marker; only presence/absence of the
// key matters.
const confirmLockValue = "1"

// Enqueuer places a webhook ID onto the C6 queue (pkg/delivery.Engine).
// Declared here, narrow, so gatewayapi doesn't import pkg/delivery
// directly — the same pattern pkg/deadletter uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, id uuid.UUID, priority int) error
}

// ErrAdmissionDenied is returned by CreateWebhook when any admission gate
// rejects the request.
type ErrAdmissionDenied struct {
	Layer  string
	Reason string
}

func (e *ErrAdmissionDenied) Error() string {
	return fmt.Sprintf("admission denied at %s: %s", e.Layer, e.Reason)
}

// ErrCompleted is returned by RetryWebhook/DeleteWebhook when the target
// record has already reached a terminal completed state.
var ErrCompleted = errors.New("webhook is completed")

// ErrExpired is returned by ConfirmUpload when the record's TTL has
// already elapsed (spec.md §7: "Expired webhook").
var ErrExpired = errors.New("webhook expired")

// ErrNotFound wraps pgx.ErrNoRows for callers that shouldn't import pgx.
var ErrNotFound = pgx.ErrNoRows

// Service implements the gateway's external operations over the webhook
// store, admission pipeline, and delivery queue.
type Service struct {
	store      *webhook.Store
	admission  *admission.Pipeline
	queue      Enqueuer
	locks      *counterstore.Client
	confirmTTL time.Duration
}

// NewService creates a Service.
func NewService(store *webhook.Store, pipeline *admission.Pipeline, queue Enqueuer, locks *counterstore.Client, confirmTTL time.Duration) *Service {
	return &Service{store: store, admission: pipeline, queue: queue, locks: locks, confirmTTL: confirmTTL}
}

// CreateWebhook runs the record through the admission pipeline, inserts a
// pending row, and enqueues immediately when triggerMode is auto (spec.md
// §6 Producer API).
func (s *Service) CreateWebhook(ctx context.Context, p webhook.CreateParams) (webhook.Record, []byte, error) {
	result, err := s.admission.Check(ctx, p.TenantID, operationClassCreate)
	if err != nil {
		return webhook.Record{}, nil, fmt.Errorf("admission check: %w", err)
	}
	if !result.Allowed {
		return webhook.Record{}, nil, &ErrAdmissionDenied{Layer: result.Layer, Reason: result.Reason}
	}

	rec, secret, err := s.store.Create(ctx, p)
	if err != nil {
		return webhook.Record{}, nil, fmt.Errorf("creating webhook record: %w", err)
	}

	if rec.TriggerMode == webhook.TriggerAuto {
		if err := s.queue.Enqueue(ctx, rec.ID, 0); err != nil {
			return rec, secret, fmt.Errorf("enqueueing auto-triggered webhook %s: %w", rec.ID, err)
		}
	}
	return rec, secret, nil
}

// EnqueueWebhook is an idempotent re-enqueue (spec.md §6 Producer API).
func (s *Service) EnqueueWebhook(ctx context.Context, id uuid.UUID, priority int) error {
	return s.queue.Enqueue(ctx, id, priority)
}

// ConfirmUpload transitions a record pending -> verifying, recording etag
// if supplied, and enqueues it. An idempotency lock (60 s by default) on
// confirm:<webhookId> guards against double-confirms (spec.md §4.6); a
// held lock is reported back as duplicated=true rather than an error.
func (s *Service) ConfirmUpload(ctx context.Context, tenantID, id uuid.UUID, etag string) (duplicated bool, err error) {
	acquired, err := s.locks.SetNX(ctx, confirmLockKey(id), confirmLockValue, s.confirmTTL)
	if err != nil {
		return false, fmt.Errorf("acquiring confirm lock for %s: %w", id, err)
	}
	if !acquired {
		return true, nil
	}

	rec, err := s.store.Get(ctx, id, tenantID)
	if err != nil {
		return false, err
	}

	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		if err := s.store.MarkExpired(ctx, id); err != nil {
			return false, fmt.Errorf("marking expired webhook %s: %w", id, err)
		}
		return false, ErrExpired
	}

	if err := s.store.MarkVerifying(ctx, id, etag); err != nil {
		return false, fmt.Errorf("marking webhook %s verifying: %w", id, err)
	}
	if err := s.queue.Enqueue(ctx, id, 0); err != nil {
		return false, fmt.Errorf("enqueueing confirmed webhook %s: %w", id, err)
	}
	return false, nil
}

// GetStatus returns the public view of one webhook, scoped to tenantID
// (spec.md §6 GetStatus).
func (s *Service) GetStatus(ctx context.Context, tenantID, id uuid.UUID) (webhook.Record, error) {
	return s.store.Get(ctx, id, tenantID)
}

// ListResult bundles a page of webhooks with the total matching count.
type ListResult struct {
	Items []webhook.Record
	Total int
}

// ListWebhooks returns a paginated, optionally status-filtered page of a
// tenant's webhooks (spec.md §6 ListWebhooks, default page size 20 applied
// by the HTTP layer).
func (s *Service) ListWebhooks(ctx context.Context, tenantID uuid.UUID, status string, limit, offset int32) (ListResult, error) {
	items, total, err := s.store.List(ctx, webhook.ListParams{
		TenantID: tenantID, Status: status, Limit: limit, Offset: offset,
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// RetryWebhook resets attempts and re-queues at priority 1, refused if the
// record is already completed (spec.md §6 RetryWebhook).
func (s *Service) RetryWebhook(ctx context.Context, tenantID, id uuid.UUID) error {
	if _, err := s.store.Get(ctx, id, tenantID); err != nil {
		return err
	}
	if err := s.store.ResetForRetry(ctx, id); err != nil {
		return translateCompletedConflict(err)
	}
	return s.queue.Enqueue(ctx, id, 1)
}

// DeleteWebhook removes a webhook, refused if completed (spec.md §6
// DeleteWebhook).
func (s *Service) DeleteWebhook(ctx context.Context, tenantID, id uuid.UUID) error {
	if _, err := s.store.Get(ctx, id, tenantID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return translateCompletedConflict(err)
	}
	return nil
}

func confirmLockKey(id uuid.UUID) string { return "confirm:" + id.String() }

// translateCompletedConflict maps the store's "completed or missing" guard
// failure to ErrCompleted; GetStatus already proved the record exists
// (and isn't cross-tenant), so a rows-affected-zero here means completed.
func translateCompletedConflict(err error) error {
	if webhook.IsNotFound(err) {
		return ErrCompleted
	}
	return err
}
