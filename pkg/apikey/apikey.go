// Package apikey implements gateway API key issuance and management: the
// keys external clients use to authenticate publish/status/retry calls
// against pkg/gatewayapi (spec.md §1: "Clients authenticate with a
// gateway-issued API key").
package apikey

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/internal/db"
)

// CreateRequest is the JSON body for POST /v1/apikeys.
type CreateRequest struct {
	Description string `json:"description" validate:"required"`
	Role        string `json:"role" validate:"required,oneof=admin client"`
}

// Response is the JSON response for a single API key (never the raw key).
type Response struct {
	ID          uuid.UUID  `json:"id"`
	KeyPrefix   string     `json:"key_prefix"`
	Description string     `json:"description"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateResponse includes the raw key, shown only once at creation.
type CreateResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// toResponse converts a durable api_keys row to its public DTO.
func toResponse(k db.ApiKey) Response {
	resp := Response{
		ID:          k.ID,
		KeyPrefix:   k.KeyPrefix,
		Description: k.Description,
		Role:        k.Role,
		Scopes:      ensureSlice(k.Scopes),
		CreatedAt:   k.CreatedAt,
	}
	if k.LastUsed.Valid {
		t := k.LastUsed.Time
		resp.LastUsed = &t
	}
	if k.ExpiresAt.Valid {
		t := k.ExpiresAt.Time
		resp.ExpiresAt = &t
	}
	return resp
}

func ensureSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
