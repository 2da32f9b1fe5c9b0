package webhook

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wisbric/uploadgw/internal/crypto"
	"github.com/wisbric/uploadgw/internal/db"
)

// secretSize is the byte length of a freshly minted per-record signing
// secret, generous enough that HMAC-SHA256 brute force is infeasible.
const secretSize = 32

// Store is the C5 webhook store: CRUD over webhook records, status
// transitions, and dead-letter bookkeeping, with provider credentials
// sealed at rest via internal/crypto.
type Store struct {
	queries *db.Queries
	sealer  *crypto.Sealer
}

// NewStore creates a Store.
func NewStore(queries *db.Queries, sealer *crypto.Sealer) *Store {
	return &Store{queries: queries, sealer: sealer}
}

// CreateParams describes a new webhook record as submitted by the external
// producer (a signed-URL handler), per spec.md §6 CreateWebhook.
type CreateParams struct {
	TenantID    uuid.UUID
	ApiKeyID    uuid.UUID
	TargetURL   string
	TriggerMode string
	Provider    string
	Locator     ProviderLocator
	Filename    string
	ContentType string
	FileSize    int64
	Metadata    map[string]any
	TTL         time.Duration
}

// Create mints a per-record secret, seals the provider locator, and
// inserts a pending webhook row. Returns the public record and the raw
// (unsealed) secret — the only time it is ever exposed in plaintext.
func (s *Store) Create(ctx context.Context, p CreateParams) (Record, []byte, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return Record{}, nil, fmt.Errorf("generating webhook secret: %w", err)
	}

	locatorJSON, err := json.Marshal(p.Locator)
	if err != nil {
		return Record{}, nil, fmt.Errorf("marshaling provider locator: %w", err)
	}
	sealedLocator, err := s.sealer.Seal(locatorJSON)
	if err != nil {
		return Record{}, nil, fmt.Errorf("sealing provider locator: %w", err)
	}

	var metaJSON []byte
	if p.Metadata != nil {
		metaJSON, err = json.Marshal(p.Metadata)
		if err != nil {
			return Record{}, nil, fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	row, err := s.queries.CreateWebhook(ctx, db.CreateWebhookParams{
		TenantID:              p.TenantID,
		ApiKeyID:              p.ApiKeyID,
		TargetURL:             p.TargetURL,
		Secret:                secret,
		TriggerMode:           p.TriggerMode,
		Provider:              p.Provider,
		ProviderLocatorSealed: sealedLocator,
		Filename:              p.Filename,
		ContentType:           p.ContentType,
		FileSize:              p.FileSize,
		Metadata:              metaJSON,
		ExpiresAt:             time.Now().Add(ttl),
	})
	if err != nil {
		return Record{}, nil, err
	}
	return fromRow(row), secret, nil
}

// Get fetches a record scoped to tenantID (spec.md §3: "access control
// denies cross-tenant reads").
func (s *Store) Get(ctx context.Context, id, tenantID uuid.UUID) (Record, error) {
	row, err := s.queries.GetWebhookForTenant(ctx, id, tenantID)
	if err != nil {
		return Record{}, err
	}
	return fromRow(row), nil
}

// GetAny fetches a record regardless of tenant, for internal engine use
// (C9, C10) where tenant scoping has already been established elsewhere.
func (s *Store) GetAny(ctx context.Context, id uuid.UUID) (Record, error) {
	row, err := s.queries.GetWebhook(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return fromRow(row), nil
}

// Locator decrypts and returns the provider locator for id. The plaintext
// must never be retained beyond the caller's stack frame (spec.md §9).
func (s *Store) Locator(ctx context.Context, id uuid.UUID) (ProviderLocator, error) {
	row, err := s.queries.GetWebhook(ctx, id)
	if err != nil {
		return ProviderLocator{}, err
	}
	if len(row.ProviderLocatorSealed) == 0 {
		return ProviderLocator{}, nil
	}
	plaintext, err := s.sealer.Open(row.ProviderLocatorSealed)
	if err != nil {
		return ProviderLocator{}, fmt.Errorf("opening sealed locator for webhook %s: %w", id, err)
	}
	var locator ProviderLocator
	if err := json.Unmarshal(plaintext, &locator); err != nil {
		return ProviderLocator{}, fmt.Errorf("parsing provider locator for webhook %s: %w", id, err)
	}
	return locator, nil
}

// ListParams filters/paginates a tenant's webhooks (spec.md §6 ListWebhooks).
type ListParams struct {
	TenantID uuid.UUID
	Status   string
	Limit    int32
	Offset   int32
}

// List returns a tenant's webhooks newest first, plus the total matching
// count for pagination.
func (s *Store) List(ctx context.Context, p ListParams) ([]Record, int, error) {
	rows, err := s.queries.ListWebhooks(ctx, db.ListWebhooksParams{
		TenantID: p.TenantID,
		Status:   p.Status,
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err != nil {
		return nil, 0, err
	}
	total, err := s.queries.CountWebhooks(ctx, p.TenantID, p.Status)
	if err != nil {
		return nil, 0, err
	}
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = fromRow(row)
	}
	return records, total, nil
}

// MarkVerifying transitions pending/verifying -> verifying and optionally
// records an etag, used by ConfirmUpload (spec.md §6).
func (s *Store) MarkVerifying(ctx context.Context, id uuid.UUID, etag string) error {
	var e pgtype.Text
	if etag != "" {
		e = pgtype.Text{String: etag, Valid: true}
	}
	return s.queries.MarkVerifying(ctx, id, e)
}

// MarkExpired transitions an expired record to failed (spec.md §7).
func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) error {
	return s.queries.MarkFailedExpired(ctx, id)
}

// UpdateIntermediate writes an etag/fileSize observed mid-verification,
// ahead of the terminal delivery write (spec.md §4.6).
func (s *Store) UpdateIntermediate(ctx context.Context, id uuid.UUID, etag string, fileSize int64) error {
	var e pgtype.Text
	if etag != "" {
		e = pgtype.Text{String: etag, Valid: true}
	}
	var fs pgtype.Int8
	if fileSize > 0 {
		fs = pgtype.Int8{Int64: fileSize, Valid: true}
	}
	return s.queries.UpdateIntermediate(ctx, db.UpdateIntermediateParams{ID: id, Etag: e, FileSize: fs})
}

// Outcome is the terminal per-attempt result the delivery engine commits
// at the end of a batch (spec.md §4.6 phase-2 write).
type Outcome struct {
	ID             uuid.UUID
	Status         string
	AttemptCount   int32
	LastAttemptAt  time.Time
	NextRetryAt    time.Time
	ErrorMessage   string
	Completed      bool
	Failed         bool
	ResponseStatus int
	ResponseBody   string
	Etag           string
	FileSize       int64
}

// ApplyOutcome commits a single delivery attempt's result. Last-writer-wins
// and terminal states are sticky, enforced in SQL (spec.md §5 Ordering).
func (s *Store) ApplyOutcome(ctx context.Context, o Outcome) error {
	params := db.ApplyOutcomeParams{
		ID:            o.ID,
		Status:        o.Status,
		AttemptCount:  o.AttemptCount,
		LastAttemptAt: o.LastAttemptAt,
	}
	if !o.NextRetryAt.IsZero() {
		params.NextRetryAt = pgtype.Timestamptz{Time: o.NextRetryAt, Valid: true}
	}
	if o.ErrorMessage != "" {
		params.ErrorMessage = pgtype.Text{String: truncate(o.ErrorMessage, 1000), Valid: true}
	}
	if o.Completed {
		params.CompletedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}
	if o.Failed {
		params.FailedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	}
	if o.ResponseStatus != 0 {
		params.ResponseStatus = pgtype.Int4{Int32: int32(o.ResponseStatus), Valid: true}
	}
	if o.ResponseBody != "" {
		params.ResponseBody = pgtype.Text{String: truncate(o.ResponseBody, 1000), Valid: true}
	}
	if o.Etag != "" {
		params.Etag = pgtype.Text{String: o.Etag, Valid: true}
	}
	if o.FileSize > 0 {
		params.FileSize = pgtype.Int8{Int64: o.FileSize, Valid: true}
	}
	return s.queries.ApplyOutcome(ctx, params)
}

// ResetForRetry zeroes attemptCount/errorMessage and sets status back to
// pending (operator RetryWebhook and dead-letter reaper, spec.md §4.7, §6).
func (s *Store) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	return s.queries.ResetForRetry(ctx, id)
}

// Delete removes a webhook, refused if completed (spec.md §6 DeleteWebhook).
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.queries.DeleteWebhook(ctx, id)
}

// IsNotFound reports whether err indicates the row didn't exist or didn't
// satisfy a guard predicate (e.g. already completed).
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
