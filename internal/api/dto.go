package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// EnqueueTaskRequest — запрос на постановку задачи.
type EnqueueTaskRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// EnqueueTaskResponse — id поставленной задачи.
type EnqueueTaskResponse struct {
	ID uuid.UUID `json:"id"`
}

// TaskResponse — статус задачи. Payload не возвращается: в нём бывают пароли.
type TaskResponse struct {
	ID          uuid.UUID         `json:"id"`
	Kind        string            `json:"kind"`
	Status      domain.TaskStatus `json:"status"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// TaskFromDomain конвертирует domain.Task в TaskResponse.
func TaskFromDomain(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Kind:        t.Kind,
		Status:      t.Status,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		FinishedAt:  t.FinishedAt,
	}
}

// HealthResponse — ответ /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
