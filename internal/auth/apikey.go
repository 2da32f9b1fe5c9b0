package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wisbric/uploadgw/internal/db"
)

// ErrKeyExpired is returned by Authenticate when the key's expires_at has
// passed.
var ErrKeyExpired = errors.New("api key expired")

// Authenticator validates gateway API keys against the durable store.
type Authenticator struct {
	queries *db.Queries
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(queries *db.Queries) *Authenticator {
	return &Authenticator{queries: queries}
}

// Authenticate hashes rawKey, looks it up, and validates expiration. It
// touches last_used asynchronously, fire-and-forget, so the hot request
// path never waits on that write.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty api key")
	}

	key, err := a.queries.GetApiKeyByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if key.ExpiresAt.Valid && key.ExpiresAt.Time.Before(time.Now()) {
		return nil, ErrKeyExpired
	}

	go func() {
		_ = a.queries.TouchApiKeyLastUsed(context.Background(), key.ID)
	}()

	role := key.Role
	if !IsValidRole(role) {
		role = RoleClient
	}

	return &Identity{
		APIKeyID:  key.ID,
		TenantID:  key.TenantID,
		KeyPrefix: key.KeyPrefix,
		Role:      role,
		Scopes:    key.Scopes,
	}, nil
}
