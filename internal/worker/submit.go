package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
)

// ReadyPublisher будит воркеров после enqueue (mq.Publisher).
type ReadyPublisher interface {
	PublishTaskReady(ctx context.Context, taskID uuid.UUID, kind string) error
}

// Waker будит воркеры того же процесса (Pool).
type Waker interface {
	Wake()
}

// EnqueueMetrics — счётчик принятых задач.
type EnqueueMetrics interface {
	TaskEnqueued(kind string)
}

// Submitter принимает задачи от API и CLI.
type Submitter struct {
	queue     Queue
	kinds     []string
	publisher ReadyPublisher
	waker     Waker
	metrics   EnqueueMetrics
	logger    *slog.Logger
}

// SubmitterConfig — конфигурация Submitter.
type SubmitterConfig struct {
	Queue Queue

	// Kinds — допустимые kind; пустой список — любые.
	Kinds []string

	Publisher ReadyPublisher

	// Waker — Pool в том же процессе; без брокера иначе задача ждёт опроса.
	Waker Waker

	Metrics EnqueueMetrics
	Logger  *slog.Logger
}

// NewSubmitter создаёт Submitter.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		queue:     cfg.Queue,
		kinds:     cfg.Kinds,
		publisher: cfg.Publisher,
		waker:     cfg.Waker,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Submit сохраняет задачу и будит воркеров.
// Задача сохранена, даже если уведомление не ушло.
func (s *Submitter) Submit(ctx context.Context, kind string, payload []byte, maxAttempts int) (uuid.UUID, error) {
	if len(s.kinds) > 0 && !slices.Contains(s.kinds, kind) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	id, err := s.queue.Enqueue(ctx, kind, payload, maxAttempts)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	if s.metrics != nil {
		s.metrics.TaskEnqueued(kind)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTaskReady(ctx, id, kind); err != nil {
			s.logger.Warn("publish task.ready failed, workers will poll", "task_id", id, "error", err)
		}
	}
	if s.waker != nil {
		s.waker.Wake()
	}

	s.logger.Info("task enqueued", "task_id", id, "kind", kind)
	return id, nil
}
