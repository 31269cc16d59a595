package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iwhitebird/valka/internal/dispatch"
	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/match"
	"github.com/iwhitebird/valka/internal/store"
)

// AdminHandler handles the operational surface: health, worker registry and
// dead-letter management.
type AdminHandler struct {
	store      *store.Store
	matcher    *match.Engine
	dispatcher *dispatch.Dispatcher
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(st *store.Store, matcher *match.Engine, dispatcher *dispatch.Dispatcher) *AdminHandler {
	return &AdminHandler{store: st, matcher: matcher, dispatcher: dispatcher}
}

// HealthCheck handles GET /admin/health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Pool().Ping(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"worker_sessions": h.dispatcher.SessionCount(),
		"waiting_workers": h.matcher.Tree().RootWaiting(),
	})
}

// ListWorkers handles GET /admin/workers.
func (h *AdminHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.ListWorkers(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list workers")
		h.respondError(w, http.StatusInternalServerError, "failed to get workers")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker handles GET /admin/workers/{workerID}.
func (h *AdminHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		h.respondError(w, http.StatusBadRequest, "worker ID is required")
		return
	}

	worker, err := h.store.GetWorker(r.Context(), workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "worker not found")
			return
		}
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to get worker")
		h.respondError(w, http.StatusInternalServerError, "failed to get worker")
		return
	}
	h.respondJSON(w, http.StatusOK, worker)
}

// ListDLQ handles GET /admin/dlq.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListDeadLetters(r.Context(), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		logger.Error().Err(err).Msg("failed to list dead letters")
		h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// RetryDLQ handles POST /admin/dlq/{taskID}/retry: the task's snapshot is
// removed, its retry budget reset and the task re-enters dispatch.
func (h *AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	sum, err := h.store.RetryDeadLetter(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			h.respondError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, store.ErrConflict):
			h.respondError(w, http.StatusConflict, "task is not dead-lettered")
		default:
			logger.Error().Err(err).Str("task_id", taskID).Msg("failed to retry dead letter")
			h.respondError(w, http.StatusInternalServerError, "failed to retry dead letter")
		}
		return
	}

	h.matcher.OfferTask(*sum)
	log := logger.WithTask(taskID)
	log.Info().Msg("dead-lettered task requeued")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "requeued": true})
}

// ClearDLQ handles DELETE /admin/dlq.
func (h *AdminHandler) ClearDLQ(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.store.ClearDeadLetters(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to clear dead letters")
		h.respondError(w, http.StatusInternalServerError, "failed to clear dead letters")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"cleared": cleared})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
