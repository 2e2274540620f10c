package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// TaskSubmitter — worker.Submitter.
type TaskSubmitter interface {
	Submit(ctx context.Context, kind string, payload []byte, maxAttempts int) (uuid.UUID, error)
}

// TaskReader — чтение статуса задачи (repo.TaskRepo, memstore.Queue).
type TaskReader interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// AccountEraser — workflow.Handlers.
type AccountEraser interface {
	Erase(ctx context.Context, email string) error
}

// Handler — HTTP-обработчики с зависимостями.
type Handler struct {
	submitter TaskSubmitter
	tasks     TaskReader
	eraser    AccountEraser
	metrics   http.Handler
	health    func(ctx context.Context) error
	logger    *slog.Logger
}

// Config — зависимости Handler.
type Config struct {
	Submitter TaskSubmitter
	Tasks     TaskReader
	Eraser    AccountEraser

	// Metrics — обработчик /metrics (опционально).
	Metrics http.Handler

	// Health проверяет зависимости для /healthz (опционально).
	Health func(ctx context.Context) error

	Logger *slog.Logger
}

// NewHandler создаёт Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		submitter: cfg.Submitter,
		tasks:     cfg.Tasks,
		eraser:    cfg.Eraser,
		metrics:   cfg.Metrics,
		health:    cfg.Health,
		logger:    logger,
	}
}
