package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hiroki-koketsu/go-task-tree/internal/model"
	"github.com/hiroki-koketsu/go-task-tree/internal/query"
	"github.com/hiroki-koketsu/go-task-tree/internal/service"
	"github.com/hiroki-koketsu/go-task-tree/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hiroki-koketsu/go-task-tree/internal/handler")

// TaskHandler handles HTTP requests for tasks.
type TaskHandler struct {
	svc     *service.TaskService
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(svc *service.TaskService, logger *slog.Logger, metrics *telemetry.Metrics) *TaskHandler {
	return &TaskHandler{
		svc:     svc,
		logger:  logger,
		metrics: metrics,
	}
}

// Routes returns the chi router with task routes. Every route requires a
// principal.
func (h *TaskHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requirePrincipal)

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.GetByID)
	r.Patch("/{id}", h.Update)
	r.Put("/{id}/status", h.SetStatus)
	r.Delete("/{id}", h.Delete)

	return r
}

// List returns the principal's tasks filtered and ordered by query params.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/tasks"
	principal := PrincipalFrom(ctx)

	ctx, span := tracer.Start(ctx, "TaskHandler.List",
		trace.WithAttributes(attribute.String("owner.id", principal)),
	)
	defer span.End()

	q, err := query.Parse(r.URL.Query())
	if err != nil {
		h.fail(ctx, w, err, http.MethodGet, route, start)
		return
	}

	h.logger.InfoContext(ctx, "listing tasks", slog.String("owner_id", principal))

	tasks, err := h.svc.ListTasks(ctx, principal, q)
	if err != nil {
		h.fail(ctx, w, err, http.MethodGet, route, start)
		return
	}

	span.SetAttributes(attribute.Int("task.count", len(tasks)))
	h.logger.InfoContext(ctx, "tasks listed", slog.Int("count", len(tasks)))

	h.respondJSON(w, http.StatusOK, tasks)
	h.recordMetrics(ctx, http.MethodGet, route, http.StatusOK, start)
}

// Create adds a new task owned by the principal.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/tasks"

	ctx, span := tracer.Start(ctx, "TaskHandler.Create")
	defer span.End()

	var req model.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		h.recordMetrics(ctx, http.MethodPost, route, http.StatusBadRequest, start)
		return
	}

	h.logger.InfoContext(ctx, "creating task", slog.String("title", req.Title))

	task, err := h.svc.CreateTask(ctx, PrincipalFrom(ctx), &req)
	if err != nil {
		h.fail(ctx, w, err, http.MethodPost, route, start)
		return
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	h.respondJSON(w, http.StatusCreated, task)
	h.recordMetrics(ctx, http.MethodPost, route, http.StatusCreated, start)
}

// GetByID returns a task by ID.
func (h *TaskHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/tasks/{id}"
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.GetByID",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	task, err := h.svc.GetTask(ctx, id, PrincipalFrom(ctx))
	if err != nil {
		h.fail(ctx, w, err, http.MethodGet, route, start)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
	h.recordMetrics(ctx, http.MethodGet, route, http.StatusOK, start)
}

// Update edits title, description or priority.
func (h *TaskHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/tasks/{id}"
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.Update",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	var req model.UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		h.recordMetrics(ctx, http.MethodPatch, route, http.StatusBadRequest, start)
		return
	}

	task, err := h.svc.UpdateTask(ctx, id, PrincipalFrom(ctx), &req)
	if err != nil {
		h.fail(ctx, w, err, http.MethodPatch, route, start)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
	h.recordMetrics(ctx, http.MethodPatch, route, http.StatusOK, start)
}

// SetStatus moves a task to ToDo or Done.
func (h *TaskHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/tasks/{id}/status"
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.SetStatus",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	var req model.SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid request body", slog.Any("error", err))
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		h.recordMetrics(ctx, http.MethodPut, route, http.StatusBadRequest, start)
		return
	}
	status, err := model.ParseStatus(req.Status)
	if err != nil {
		h.fail(ctx, w, err, http.MethodPut, route, start)
		return
	}

	task, err := h.svc.SetStatus(ctx, id, status, PrincipalFrom(ctx))
	if err != nil {
		h.fail(ctx, w, err, http.MethodPut, route, start)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
	h.recordMetrics(ctx, http.MethodPut, route, http.StatusOK, start)
}

// Delete removes a task and its sub-tasks.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	const route = "/api/v1/tasks/{id}"
	id := chi.URLParam(r, "id")

	ctx, span := tracer.Start(ctx, "TaskHandler.Delete",
		trace.WithAttributes(attribute.String("task.id", id)),
	)
	defer span.End()

	h.logger.InfoContext(ctx, "deleting task", slog.String("id", id))

	if err := h.svc.DeleteTask(ctx, id, PrincipalFrom(ctx)); err != nil {
		h.fail(ctx, w, err, http.MethodDelete, route, start)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.recordMetrics(ctx, http.MethodDelete, route, http.StatusNoContent, start)
}

// Health returns a health check response.
func (h *TaskHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps domain error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotEligible):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidParent):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *TaskHandler) fail(ctx context.Context, w http.ResponseWriter, err error, method, route string, start time.Time) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", slog.String("route", route), slog.Any("error", err))
		msg = "internal error"
	} else {
		h.logger.WarnContext(ctx, "request rejected", slog.String("route", route), slog.Any("error", err))
	}
	h.respondError(w, status, msg)
	h.recordMetrics(ctx, method, route, status, start)
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *TaskHandler) recordMetrics(ctx context.Context, method, route string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	duration := time.Since(start).Seconds()

	attrs := metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	)

	h.metrics.RequestCounter.Add(ctx, 1, attrs)
	h.metrics.RequestDuration.Record(ctx, duration, attrs)
}
