package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iwhitebird/valka/internal/dispatch"
	"github.com/iwhitebird/valka/internal/events"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/metrics"
	"github.com/iwhitebird/valka/internal/store"
	"github.com/iwhitebird/valka/internal/task"
)

// TaskHandler handles the task-facing HTTP surface: create, get, cancel,
// list, runs, logs and signals.
type TaskHandler struct {
	store      *store.Store
	matcher    *match.Engine
	dispatcher *dispatch.Dispatcher
	bus        *events.Bus
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(st *store.Store, matcher *match.Engine, dispatcher *dispatch.Dispatcher, bus *events.Bus) *TaskHandler {
	return &TaskHandler{store: st, matcher: matcher, dispatcher: dispatcher, bus: bus}
}

// CreateTaskRequest is the POST /api/v1/tasks body.
type CreateTaskRequest struct {
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int32           `json:"priority,omitempty"`
	MaxRetries     int32           `json:"max_retries,omitempty"`
	TimeoutSeconds int32           `json:"timeout_seconds,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
}

// Create handles POST /api/v1/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Queue == "" {
		h.respondError(w, http.StatusBadRequest, "queue is required")
		return
	}
	if req.Name == "" {
		h.respondError(w, http.StatusBadRequest, "task name is required")
		return
	}
	if req.MaxRetries < 0 {
		h.respondError(w, http.StatusBadRequest, "max_retries must be >= 0")
		return
	}

	t, created, err := h.store.CreateTask(r.Context(), task.CreateRequest{
		QueueName:      req.Queue,
		Name:           req.Name,
		Input:          req.Input,
		Metadata:       req.Metadata,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledAt:    req.ScheduledAt,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidQueueName) {
			h.respondError(w, http.StatusBadRequest, "invalid queue name")
			return
		}
		logger.Error().Err(err).Str("queue", req.Queue).Msg("failed to create task")
		h.respondError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	if !created {
		// Idempotent replay: the original task, unmodified.
		h.respondJSON(w, http.StatusOK, t)
		return
	}

	metrics.RecordTaskCreated(t.QueueName)
	h.bus.Publish(events.NewTransition(t.ID, t.QueueName, task.StatusPending, task.StatusPending))
	if t.IsDue(time.Now().UTC()) {
		h.matcher.OfferTask(t.Summary())
	}

	log := logger.WithTask(t.ID)
	log.Info().
		Str("queue", t.QueueName).
		Str("name", t.Name).
		Int32("priority", t.Priority).
		Msg("task created")
	h.respondJSON(w, http.StatusCreated, t)
}

// Get handles GET /api/v1/tasks/{taskID}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to get task")
		h.respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	h.respondJSON(w, http.StatusOK, t)
}

// Cancel handles DELETE /api/v1/tasks/{taskID}.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	t, err := h.dispatcher.CancelTask(r.Context(), taskID, "cancelled via api")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, dispatch.ErrNotCancellable):
			h.respondError(w, http.StatusConflict, "task cannot be cancelled in current state")
		default:
			logger.Error().Err(err).Str("task_id", taskID).Msg("failed to cancel task")
			h.respondError(w, http.StatusInternalServerError, "failed to cancel task")
		}
		return
	}
	h.respondJSON(w, http.StatusOK, t)
}

// ListResponse is the GET /api/v1/tasks body.
type ListResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
}

// List handles GET /api/v1/tasks?queue=&status=&limit=&offset=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListTasksFilter{
		Queue:  r.URL.Query().Get("queue"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := task.ParseStatus(raw)
		filter.Status = &status
	}

	tasks, err := h.store.ListTasks(r.Context(), filter)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	h.respondJSON(w, http.StatusOK, ListResponse{Tasks: tasks, Count: len(tasks)})
}

// ListRuns handles GET /api/v1/tasks/{taskID}/runs.
func (h *TaskHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := h.store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	runs, err := h.store.ListRuns(r.Context(), taskID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to list runs")
		h.respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// ListLogs handles GET /api/v1/tasks/{taskID}/logs?run_id=&limit=&offset=.
// Without run_id the latest run's logs are returned.
func (h *TaskHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runs, err := h.store.ListRuns(r.Context(), taskID)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "failed to resolve task runs")
			return
		}
		if len(runs) == 0 {
			h.respondJSON(w, http.StatusOK, map[string]any{"logs": []task.LogEntry{}, "count": 0})
			return
		}
		runID = runs[len(runs)-1].ID
	}

	logs, err := h.store.ListLogs(r.Context(), runID, queryInt(r, "limit", 200), queryInt(r, "offset", 0))
	if err != nil {
		logger.Error().Err(err).Str("task_run_id", runID).Msg("failed to list logs")
		h.respondError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs), "task_run_id": runID})
}

// SendSignalRequest is the POST /api/v1/tasks/{taskID}/signals body.
type SendSignalRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendSignal handles POST /api/v1/tasks/{taskID}/signals.
func (h *TaskHandler) SendSignal(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var req SendSignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		h.respondError(w, http.StatusBadRequest, "signal name is required")
		return
	}

	sig, delivered, err := h.dispatcher.SendSignal(r.Context(), taskID, req.Name, req.Payload)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to send signal")
		h.respondError(w, http.StatusInternalServerError, "failed to send signal")
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"signal_id": sig.ID,
		"delivered": delivered,
	})
}

// ListSignals handles GET /api/v1/tasks/{taskID}/signals.
func (h *TaskHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	signals, err := h.store.ListSignals(r.Context(), taskID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to list signals")
		h.respondError(w, http.StatusInternalServerError, "failed to list signals")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"signals": signals, "count": len(signals)})
}

// AckSignal handles POST /api/v1/signals/{signalID}/ack, the out-of-band
// acknowledgement path; stream acks arrive on the worker session instead.
func (h *TaskHandler) AckSignal(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalID")
	if err := h.dispatcher.AckSignal(r.Context(), signalID); err != nil {
		logger.Error().Err(err).Str("signal_id", signalID).Msg("failed to ack signal")
		h.respondError(w, http.StatusInternalServerError, "failed to ack signal")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"signal_id": signalID, "acknowledged": true})
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
