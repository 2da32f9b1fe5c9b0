package deadletter

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/uploadgw/internal/audit"
	"github.com/wisbric/uploadgw/internal/auth"
	"github.com/wisbric/uploadgw/internal/httpserver"
)

// Handler exposes the operator Resolve action (spec.md §4.7): mark a
// dead-letter row resolved without re-queueing it.
type Handler struct {
	logger *slog.Logger
	audit  *audit.Writer
	store  *Store
}

// NewHandler creates a Handler.
func NewHandler(store *Store, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router with the dead-letter routes mounted. Callers
// must mount this behind auth.Middleware and auth.RequireAdmin — resolving
// a dead letter is an operator action.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/resolve", h.handleResolve)
	return r
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	deadLetterID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid dead letter ID")
		return
	}

	if err := h.store.Resolve(r.Context(), deadLetterID, id.APIKeyID.String()); err != nil {
		h.logger.Error("resolving dead letter", "dead_letter_id", deadLetterID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve dead letter")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "resolve", "dead_letter", deadLetterID, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
