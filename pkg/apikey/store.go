package apikey

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wisbric/uploadgw/internal/db"
)

// Store provides database operations for API keys using the shared
// internal/db query layer.
type Store struct {
	queries *db.Queries
}

// NewStore creates an API key Store.
func NewStore(queries *db.Queries) *Store {
	return &Store{queries: queries}
}

// CreateParams holds parameters for creating an API key.
type CreateParams struct {
	TenantID    uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Description string
	Role        string
	Scopes      []string
	ExpiresAt   pgtype.Timestamptz
}

// List returns all API keys for the given tenant, newest first.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID) ([]db.ApiKey, error) {
	items, err := s.queries.ListApiKeys(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return items, nil
}

// Create inserts a new API key and returns the created row.
func (s *Store) Create(ctx context.Context, p CreateParams) (db.ApiKey, error) {
	k, err := s.queries.CreateApiKey(ctx, db.CreateApiKeyParams{
		TenantID:    p.TenantID,
		KeyHash:     p.KeyHash,
		KeyPrefix:   p.KeyPrefix,
		Description: p.Description,
		Role:        p.Role,
		Scopes:      p.Scopes,
		ExpiresAt:   p.ExpiresAt,
	})
	if err != nil {
		return db.ApiKey{}, fmt.Errorf("creating api key: %w", err)
	}
	return k, nil
}

// Delete permanently removes an API key by ID.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.queries.DeleteApiKey(ctx, id); err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	return nil
}
