// Package deadletter implements the dead-letter reaper (C10): resurrecting
// eligible dead-lettered webhooks back onto the queue on a schedule, and
// the operator Resolve action.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// defaultRetryAfter resolves spec.md §9's open question: the reference
// behavior never set retryAfter at dead-lettering time, so an
// implementation must define it explicitly. Chosen default: one hour,
// giving a downstream receiver (or operator) time to notice and react
// before the reaper would otherwise resurrect automatically.
const defaultRetryAfter = time.Hour

// snapshot is the durable record stored in webhook_dead_letter.original_snapshot —
// deliberately excludes Secret and any provider credentials (spec.md §9:
// "must never be logged").
type snapshot struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    uuid.UUID      `json:"tenantId"`
	TargetURL   string         `json:"targetUrl"`
	Provider    string         `json:"provider"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"contentType"`
	FileSize    int64          `json:"fileSize"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store wraps the durable dead-letter table.
type Store struct {
	queries *db.Queries
}

// NewStore creates a Store.
func NewStore(queries *db.Queries) *Store {
	return &Store{queries: queries}
}

// Record inserts a dead-letter row for a webhook whose attempts are
// exhausted (spec.md §4.6).
func (s *Store) Record(ctx context.Context, rec webhook.Record, reason string) error {
	snap, err := json.Marshal(snapshot{
		ID: rec.ID, TenantID: rec.TenantID, TargetURL: rec.TargetURL, Provider: rec.Provider,
		Filename: rec.Filename, ContentType: rec.ContentType, FileSize: rec.FileSize, Metadata: rec.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshaling dead-letter snapshot for webhook %s: %w", rec.ID, err)
	}
	_, err = s.queries.CreateDeadLetter(ctx, db.CreateDeadLetterParams{
		WebhookID:        rec.ID,
		OriginalSnapshot: snap,
		FailureReason:    reason,
		AttemptCount:     rec.AttemptCount + 1,
		RetryAfter:       time.Now().Add(defaultRetryAfter),
	})
	return err
}

// Resolve marks a dead-letter row resolved without re-queueing (spec.md
// §4.7 operator endpoint).
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, actorID string) error {
	return s.queries.ResolveDeadLetter(ctx, id, actorID)
}
