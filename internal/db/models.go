package db

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Tenant is a row of the tenants table.
type Tenant struct {
	ID           uuid.UUID
	Slug         string
	MonthlyQuota int64
	CreatedAt    time.Time
}

// ApiKey is a row of the api_keys table.
type ApiKey struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Description string
	Role        string
	Scopes      []string
	LastUsed    pgtype.Timestamptz
	ExpiresAt   pgtype.Timestamptz
	CreatedAt   time.Time
}

// Webhook is a row of the webhooks table. ProviderLocatorSealed holds the
// AEAD-sealed form of the record's provider-shaped locator and credentials
// (spec §9); it is decrypted only inside the verifier's stack frame.
type Webhook struct {
	ID                     uuid.UUID
	TenantID               uuid.UUID
	ApiKeyID               uuid.UUID
	TargetURL              string
	Secret                 []byte
	TriggerMode            string
	Provider               string
	ProviderLocatorSealed  []byte
	Filename               string
	ContentType            string
	FileSize               int64
	Etag                   pgtype.Text
	Status                 string
	AttemptCount           int32
	LastAttemptAt          pgtype.Timestamptz
	NextRetryAt            pgtype.Timestamptz
	ErrorMessage           pgtype.Text
	CreatedAt              time.Time
	UpdatedAt              time.Time
	ExpiresAt              time.Time
	CompletedAt            pgtype.Timestamptz
	FailedAt               pgtype.Timestamptz
	Metadata               []byte
	ResponseStatus         pgtype.Int4
	ResponseBody           pgtype.Text
}

// WebhookDeadLetter is a row of the webhook_dead_letter table.
type WebhookDeadLetter struct {
	ID               uuid.UUID
	WebhookID        uuid.UUID
	OriginalSnapshot []byte
	FailureReason    string
	AttemptCount     int32
	CreatedAt        time.Time
	RetryAfter       time.Time
	Resolved         bool
	ResolvedAt       pgtype.Timestamptz
	ResolvedBy       pgtype.Text
}

// DailyRollup is a row of the daily_rollup table, one per (apiKeyId, date).
type DailyRollup struct {
	ApiKeyID       uuid.UUID
	Date           time.Time
	Total          int64
	Providers      []byte
	FileTypes      []byte
	FileCategories []byte
	LastUsedAt     time.Time
}

// ProviderUsage is a row of the provider_usage table: lifetime per-tenant,
// per-provider counters maintained alongside the daily rollup.
type ProviderUsage struct {
	TenantID   uuid.UUID
	Provider   string
	Total      int64
	LastUsedAt time.Time
}

// AuditLogEntry is a row of the audit_log table.
type AuditLogEntry struct {
	ID         uuid.UUID
	TenantID   pgtype.UUID
	ApiKeyID   pgtype.UUID
	Action     string
	Resource   string
	ResourceID pgtype.UUID
	Detail     []byte
	IPAddress  *netip.Addr
	UserAgent  pgtype.Text
	CreatedAt  time.Time
}
