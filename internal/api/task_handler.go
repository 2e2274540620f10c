package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/NovaTayler/Humanitas/internal/worker"
)

const maxRequestBody = 1 << 20

// EnqueueTask ставит задачу в очередь.
// POST /api/v1/tasks
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req EnqueueTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Kind == "" {
		BadRequest(w, "kind is required")
		return
	}
	if req.MaxAttempts < 0 {
		BadRequest(w, "max_attempts must be positive")
		return
	}

	id, err := h.submitter.Submit(r.Context(), req.Kind, req.Payload, req.MaxAttempts)
	if err != nil {
		if errors.Is(err, worker.ErrUnknownKind) || errors.Is(err, worker.ErrInvalidPayload) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	Accepted(w, EnqueueTaskResponse{ID: id})
}

// GetTask возвращает статус задачи.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.tasks.Get(r.Context(), id)
	if HandleStoreError(w, h.logger, err, "task not found") {
		return
	}

	Success(w, TaskFromDomain(task))
}
