// Package auth resolves the gateway-issued API key on every inbound request
// into an Identity (spec.md §1: "Clients authenticate with a gateway-issued
// API key"). It carries no OIDC/session machinery — the gateway has no
// end-user authentication surface.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Roles recognised by the gateway API. RoleAdmin may retry, delete, and
// resolve dead-letters on behalf of any tenant's webhooks; RoleClient is
// scoped to its own tenant.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// IsValidRole reports whether role is a recognised gateway role.
func IsValidRole(role string) bool {
	return role == RoleAdmin || role == RoleClient
}

// Identity is the authenticated caller resolved from a gateway API key.
type Identity struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	Role      string
	Scopes    []string
}

type ctxKey struct{}

// NewContext stores id in ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the Identity stored by NewContext, or nil if absent.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Only the hash
// is ever persisted; the raw key is shown to the caller once, at creation.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
