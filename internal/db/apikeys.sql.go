package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const apiKeyColumns = `id, tenant_id, key_hash, key_prefix, description, role, scopes, last_used, expires_at, created_at`

func scanApiKey(row rowScanner) (ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.KeyPrefix, &k.Description,
		&k.Role, &k.Scopes, &k.LastUsed, &k.ExpiresAt, &k.CreatedAt)
	return k, err
}

// CreateApiKeyParams holds parameters for CreateApiKey.
type CreateApiKeyParams struct {
	TenantID    uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Description string
	Role        string
	Scopes      []string
	ExpiresAt   pgtype.Timestamptz
}

// CreateApiKey inserts a new API key row.
func (q *Queries) CreateApiKey(ctx context.Context, p CreateApiKeyParams) (ApiKey, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO api_keys (tenant_id, key_hash, key_prefix, description, role, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+apiKeyColumns,
		p.TenantID, p.KeyHash, p.KeyPrefix, p.Description, p.Role, p.Scopes, p.ExpiresAt)
	k, err := scanApiKey(row)
	if err != nil {
		return ApiKey{}, fmt.Errorf("creating api key: %w", err)
	}
	return k, nil
}

// GetApiKeyByHash looks up an API key by its SHA-256 hash — the hot path for
// request authentication.
func (q *Queries) GetApiKeyByHash(ctx context.Context, keyHash string) (ApiKey, error) {
	row := q.db.QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	k, err := scanApiKey(row)
	if err != nil {
		return ApiKey{}, fmt.Errorf("getting api key by hash: %w", err)
	}
	return k, nil
}

// ListApiKeys returns all API keys for the given tenant, newest first.
func (q *Queries) ListApiKeys(ctx context.Context, tenantID uuid.UUID) ([]ApiKey, error) {
	rows, err := q.db.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var items []ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		items = append(items, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api key rows: %w", err)
	}
	return items, nil
}

// TouchApiKeyLastUsed records the current time as the key's last-used timestamp.
func (q *Queries) TouchApiKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE api_keys SET last_used = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching api key last_used: %w", err)
	}
	return nil
}

// DeleteApiKey permanently removes an API key by ID.
func (q *Queries) DeleteApiKey(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
