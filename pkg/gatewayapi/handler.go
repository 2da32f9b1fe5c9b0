package gatewayapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/uploadgw/internal/audit"
	"github.com/wisbric/uploadgw/internal/auth"
	"github.com/wisbric/uploadgw/internal/httpserver"
	"github.com/wisbric/uploadgw/pkg/webhook"
)

// Handler provides HTTP handlers for the gateway's webhook API. Mount
// behind auth.Middleware — every route reads the caller's tenant from the
// request's resolved Identity.
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Writer
	service *Service
}

// NewHandler creates a Handler.
func NewHandler(service *Service, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{service: service, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router with all webhook routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGetStatus)
	r.Post("/{id}/confirm", h.handleConfirm)
	r.Post("/{id}/retry", h.handleRetry)
	r.Delete("/{id}", h.handleDelete)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	rec, secret, err := h.service.CreateWebhook(r.Context(), webhook.CreateParams{
		TenantID: id.TenantID, ApiKeyID: id.APIKeyID,
		TargetURL: req.TargetURL, TriggerMode: req.TriggerMode, Provider: req.Provider,
		Locator: req.Locator, Filename: req.Filename, ContentType: req.ContentType,
		FileSize: req.FileSize, Metadata: req.Metadata, TTL: ttl,
	})
	if err != nil {
		var denied *ErrAdmissionDenied
		if errors.As(err, &denied) {
			httpserver.RespondError(w, http.StatusTooManyRequests, "admission_denied", denied.Error())
			return
		}
		h.logger.Error("creating webhook", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create webhook")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"provider": req.Provider, "triggerMode": req.TriggerMode})
		h.audit.LogFromRequest(r, "create", "webhook", rec.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, CreateResponse{ID: rec.ID, Secret: hexSecret(secret)})
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	webhookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook ID")
		return
	}

	var req ConfirmRequest
	_ = httpserver.Decode(r, &req) // body is optional; etag may be absent

	duplicated, err := h.service.ConfirmUpload(r.Context(), id.TenantID, webhookID, req.Etag)
	if err != nil {
		switch {
		case errors.Is(err, ErrExpired):
			httpserver.RespondError(w, http.StatusGone, "expired", "webhook has expired")
		case errors.Is(err, pgx.ErrNoRows):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
		default:
			h.logger.Error("confirming webhook upload", "webhook_id", webhookID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to confirm upload")
		}
		return
	}

	httpserver.Respond(w, http.StatusOK, ConfirmResponse{Duplicated: duplicated})
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	webhookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook ID")
		return
	}

	rec, err := h.service.GetStatus(r.Context(), id.TenantID, webhookID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
			return
		}
		h.logger.Error("getting webhook status", "webhook_id", webhookID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get webhook status")
		return
	}

	httpserver.Respond(w, http.StatusOK, toStatusView(rec))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if r.URL.Query().Get("page_size") == "" {
		params.PageSize = 20
		params.Offset = (params.Page - 1) * params.PageSize
	}
	status := r.URL.Query().Get("status")

	result, err := h.service.ListWebhooks(r.Context(), id.TenantID, status, int32(params.PageSize), int32(params.Offset))
	if err != nil {
		h.logger.Error("listing webhooks", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list webhooks")
		return
	}

	views := make([]StatusView, len(result.Items))
	for i, rec := range result.Items {
		views[i] = toStatusView(rec)
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(views, params, result.Total))
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	webhookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook ID")
		return
	}

	if err := h.service.RetryWebhook(r.Context(), id.TenantID, webhookID); err != nil {
		switch {
		case errors.Is(err, ErrCompleted):
			httpserver.RespondError(w, http.StatusConflict, "conflict", "webhook is already completed")
		case errors.Is(err, pgx.ErrNoRows):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
		default:
			h.logger.Error("retrying webhook", "webhook_id", webhookID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to retry webhook")
		}
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "retry", "webhook", webhookID, nil)
	}

	httpserver.Respond(w, http.StatusAccepted, nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
		return
	}

	webhookID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook ID")
		return
	}

	if err := h.service.DeleteWebhook(r.Context(), id.TenantID, webhookID); err != nil {
		switch {
		case errors.Is(err, ErrCompleted):
			httpserver.RespondError(w, http.StatusConflict, "conflict", "webhook is already completed")
		case errors.Is(err, pgx.ErrNoRows):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
		default:
			h.logger.Error("deleting webhook", "webhook_id", webhookID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete webhook")
		}
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "webhook", webhookID, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func hexSecret(secret []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(secret)*2)
	for i, b := range secret {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
