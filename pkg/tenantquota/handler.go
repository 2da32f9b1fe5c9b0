// Package tenantquota exposes the operator surface for changing a tenant's
// monthly quota: update the durable C1 row and invalidate the admission
// pipeline's C2 cache across every gateway replica in one call (spec.md
// §4.1 "exposes invalidation hooks so that an external quota change
// eagerly evicts cached entries").
package tenantquota

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/uploadgw/internal/audit"
	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/internal/httpserver"
	"github.com/wisbric/uploadgw/pkg/admission"
)

// SetQuotaRequest is the JSON body for PATCH /v1/tenants/{id}/quota.
type SetQuotaRequest struct {
	MonthlyQuota int64 `json:"monthlyQuota" validate:"required,min=1"`
}

// Handler provides the operator endpoint for tenant quota changes. Callers
// must mount this behind auth.Middleware and auth.RequireAdmin — changing a
// tenant's quota is an operator action.
type Handler struct {
	logger   *slog.Logger
	audit    *audit.Writer
	queries  *db.Queries
	pipeline *admission.Pipeline
}

// NewHandler creates a Handler.
func NewHandler(queries *db.Queries, pipeline *admission.Pipeline, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{queries: queries, pipeline: pipeline, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router with the tenant quota route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Patch("/{id}/quota", h.handleSetQuota)
	return r
}

func (h *Handler) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant ID")
		return
	}

	var req SetQuotaRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.queries.SetTenantMonthlyQuota(r.Context(), tenantID, req.MonthlyQuota); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		h.logger.Error("setting tenant monthly quota", "tenant_id", tenantID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set tenant quota")
		return
	}

	if err := h.pipeline.InvalidateTenant(r.Context(), tenantID); err != nil {
		// The durable write already succeeded; a stale cache self-heals once
		// QuotaCacheTTL expires, so log and continue rather than fail the call.
		h.logger.Error("invalidating quota cache after update", "tenant_id", tenantID, "error", err)
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "update", "tenant_quota", tenantID, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
