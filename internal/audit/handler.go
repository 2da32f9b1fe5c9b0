package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/uploadgw/internal/db"
	"github.com/wisbric/uploadgw/internal/httpserver"
)

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	logger  *slog.Logger
	queries *db.Queries
}

// NewHandler creates an audit log Handler.
func NewHandler(logger *slog.Logger, queries *db.Queries) *Handler {
	return &Handler{logger: logger, queries: queries}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	entries, err := h.queries.ListAuditLog(r.Context(), db.ListAuditLogParams{
		Limit:  int32(params.PageSize),
		Offset: int32(params.Offset),
	})
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, entries)
}
