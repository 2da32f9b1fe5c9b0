package gatewayapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/pkg/webhook"
)

// CreateRequest is the JSON body for POST /v1/webhooks, submitted by an
// upstream signed-URL handler (spec.md §6 Producer API).
type CreateRequest struct {
	TargetURL   string                 `json:"targetUrl" validate:"required,url"`
	TriggerMode string                 `json:"triggerMode" validate:"required,oneof=manual auto"`
	Provider    string                 `json:"provider" validate:"required,oneof=S3 R2 SUPABASE UPLOADCARE VERCEL"`
	Locator     webhook.ProviderLocator `json:"locator"`
	Filename    string                 `json:"filename" validate:"required"`
	ContentType string                 `json:"contentType"`
	FileSize    int64                  `json:"fileSize"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	TTLSeconds  int64                  `json:"ttlSeconds,omitempty"`
}

// CreateResponse returns the new record's id and its raw signing secret —
// the only time the secret is ever shown in plaintext.
type CreateResponse struct {
	ID     uuid.UUID `json:"id"`
	Secret string    `json:"secret"`
}

// ConfirmRequest is the JSON body for POST /v1/webhooks/{id}/confirm.
type ConfirmRequest struct {
	Etag string `json:"etag,omitempty"`
}

// ConfirmResponse reports whether this confirm call was a duplicate of one
// already in flight (spec.md §4.6 idempotency).
type ConfirmResponse struct {
	Duplicated bool `json:"duplicated"`
}

// StatusView is the public view of a webhook record returned by GetStatus
// and ListWebhooks (spec.md §6: "id, status, attemptCount, lastAttemptAt,
// nextRetryAt, errorMessage, webhookUrl, timestamps").
type StatusView struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	AttemptCount  int32      `json:"attemptCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	WebhookURL    string     `json:"webhookUrl"`
	Provider      string     `json:"provider"`
	Filename      string     `json:"filename"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
}

// toStatusView converts a store Record to its public DTO.
func toStatusView(r webhook.Record) StatusView {
	v := StatusView{
		ID: r.ID, Status: r.Status, AttemptCount: r.AttemptCount,
		ErrorMessage: r.ErrorMessage, WebhookURL: r.TargetURL,
		Provider: r.Provider, Filename: r.Filename,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if !r.LastAttemptAt.IsZero() {
		v.LastAttemptAt = &r.LastAttemptAt
	}
	if !r.NextRetryAt.IsZero() {
		v.NextRetryAt = &r.NextRetryAt
	}
	if !r.CompletedAt.IsZero() {
		v.CompletedAt = &r.CompletedAt
	}
	if !r.FailedAt.IsZero() {
		v.FailedAt = &r.FailedAt
	}
	return v
}
