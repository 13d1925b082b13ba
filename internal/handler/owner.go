package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/go-task-tree/internal/model"
)

// OwnerRoutes returns the chi router for owners. Registration is open;
// lookup requires a principal and is limited to the caller.
func (h *TaskHandler) OwnerRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateOwner)
	r.With(h.requirePrincipal).Get("/{id}", h.GetOwner)

	return r
}

// CreateOwner registers a new owner.
func (h *TaskHandler) CreateOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/owners"

	ctx, span := tracer.Start(ctx, "TaskHandler.CreateOwner")
	defer span.End()

	var req model.CreateOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		h.recordMetrics(ctx, http.MethodPost, route, http.StatusBadRequest, start)
		return
	}

	owner, err := h.svc.CreateOwner(ctx, &req)
	if err != nil {
		h.fail(ctx, w, err, http.MethodPost, route, start)
		return
	}

	h.respondJSON(w, http.StatusCreated, owner)
	h.recordMetrics(ctx, http.MethodPost, route, http.StatusCreated, start)
}

// GetOwner returns the calling owner.
func (h *TaskHandler) GetOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/owners/{id}"

	owner, err := h.svc.GetOwner(ctx, chi.URLParam(r, "id"), PrincipalFrom(ctx))
	if err != nil {
		h.fail(ctx, w, err, http.MethodGet, route, start)
		return
	}

	h.respondJSON(w, http.StatusOK, owner)
	h.recordMetrics(ctx, http.MethodGet, route, http.StatusOK, start)
}
