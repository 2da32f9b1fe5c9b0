// Package webhook implements the webhook store (C5) and payload signer
// (C8): CRUD over webhook records, status transitions, dead-letter
// bookkeeping, and the canonical signed-payload format delivered to
// customer endpoints.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/internal/db"
)

// Trigger modes (spec.md §3).
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
)

// Providers (spec.md §3).
const (
	ProviderS3         = "S3"
	ProviderR2         = "R2"
	ProviderSupabase   = "SUPABASE"
	ProviderUploadcare = "UPLOADCARE"
	ProviderVercel     = "VERCEL"
)

// Status values (spec.md §3 state machine).
const (
	StatusPending    = "pending"
	StatusVerifying  = "verifying"
	StatusDelivering = "delivering"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// ProviderLocator is the provider-shaped descriptor sufficient for C7 to
// locate and (optionally) verify an uploaded object. Credentials are only
// ever held in plaintext for the duration of one verification call
// (spec.md §3, §9).
type ProviderLocator struct {
	Bucket      string            `json:"bucket,omitempty"`
	Key         string            `json:"key,omitempty"`
	Region      string            `json:"region,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	FileKey     string            `json:"fileKey,omitempty"`
	CDNUUID     string            `json:"cdnUuid,omitempty"`
	Credentials *Credentials      `json:"credentials,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Credentials are provider access credentials embedded in a
// ProviderLocator. They must never be logged and are sealed at rest
// (spec.md §9).
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// Record is the public, decrypted-locator-free view of a webhook used
// throughout the pipeline above the store boundary. The sealed
// provider locator stays inside internal/db.Webhook and pkg/verifier.
type Record struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	ApiKeyID       uuid.UUID
	TargetURL      string
	Secret         []byte
	TriggerMode    string
	Provider       string
	Filename       string
	ContentType    string
	FileSize       int64
	Etag           string
	Status         string
	AttemptCount   int32
	LastAttemptAt  time.Time
	NextRetryAt    time.Time
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	CompletedAt    time.Time
	FailedAt       time.Time
	Metadata       map[string]any
	ResponseStatus int
	ResponseBody   string
}

// IsTerminal reports whether status admits no further transitions
// (spec.md §3 invariant).
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusDeadLetter
}

// fromRow converts a durable row into the public Record shape.
func fromRow(w db.Webhook) Record {
	r := Record{
		ID:           w.ID,
		TenantID:     w.TenantID,
		ApiKeyID:     w.ApiKeyID,
		TargetURL:    w.TargetURL,
		Secret:       w.Secret,
		TriggerMode:  w.TriggerMode,
		Provider:     w.Provider,
		Filename:     w.Filename,
		ContentType:  w.ContentType,
		FileSize:     w.FileSize,
		Status:       w.Status,
		AttemptCount: w.AttemptCount,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
		ExpiresAt:    w.ExpiresAt,
	}
	if w.Etag.Valid {
		r.Etag = w.Etag.String
	}
	if w.ErrorMessage.Valid {
		r.ErrorMessage = w.ErrorMessage.String
	}
	if w.LastAttemptAt.Valid {
		r.LastAttemptAt = w.LastAttemptAt.Time
	}
	if w.NextRetryAt.Valid {
		r.NextRetryAt = w.NextRetryAt.Time
	}
	if w.CompletedAt.Valid {
		r.CompletedAt = w.CompletedAt.Time
	}
	if w.FailedAt.Valid {
		r.FailedAt = w.FailedAt.Time
	}
	if w.ResponseStatus.Valid {
		r.ResponseStatus = int(w.ResponseStatus.Int32)
	}
	if w.ResponseBody.Valid {
		r.ResponseBody = w.ResponseBody.String
	}
	if len(w.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(w.Metadata, &meta); err == nil {
			r.Metadata = meta
		}
	}
	return r
}
