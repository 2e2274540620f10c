package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/mq"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultConcurrency  = 4
	defaultVisibility   = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
	defaultPrefetch     = 10
	settleTimeout       = 10 * time.Second
)

// Исходы выполнения (метка outcome в метриках).
const (
	outcomeSucceeded  = "succeeded"
	outcomeRetried    = "retried"
	outcomeDeadLetter = "dead_letter"
	outcomeStale      = "stale"
)

// DeadLetterSink получает описание задач, ушедших в dead_letter.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, payload mq.DeadLetterPayload) error
}

// Metrics — счётчики, которые обновляет пул (telemetry.Metrics).
type Metrics interface {
	TaskSucceeded(kind string)
	TaskDeadLettered(kind string)
	TaskRedelivered(kind string)
	TaskFinished(kind, outcome string, d time.Duration)
}

// Pool — ограниченный пул воркеров над Queue.
type Pool struct {
	queue    Queue
	registry *Registry

	concurrency  int
	visibility   time.Duration
	taskTimeout  time.Duration
	pollInterval time.Duration
	backoff      retry.Policy

	conn        *mq.Connection
	deadLetters DeadLetterSink
	metrics     Metrics
	logger      *slog.Logger

	wake chan struct{}
}

// Config — конфигурация Pool.
type Config struct {
	Queue    Queue
	Registry *Registry

	// Concurrency — число одновременно выполняемых задач (default: 4).
	Concurrency int

	// Visibility — на сколько задача скрывается от других воркеров (default: 5m).
	Visibility time.Duration

	// TaskTimeout — жёсткий предел выполнения обработчика (default: Visibility).
	TaskTimeout time.Duration

	// PollInterval — интервал опроса очереди при простое (default: 2s).
	PollInterval time.Duration

	// Backoff — задержки повторной выдачи: Backoff(attempt) с jitter
	// (default: base 5s, max 5m).
	Backoff retry.Policy

	// Conn — RabbitMQ для пробуждения по task.ready (опционально).
	Conn *mq.Connection

	// DeadLetters — куда публиковать dead-letter задачи (опционально).
	DeadLetters DeadLetterSink

	Metrics Metrics
	Logger  *slog.Logger
}

// New создаёт Pool.
func New(cfg Config) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 || taskTimeout > visibility {
		taskTimeout = visibility
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	backoff := cfg.Backoff
	if backoff.BaseDelay <= 0 {
		backoff = retry.Policy{
			Name:           "task",
			BaseDelay:      5 * time.Second,
			MaxDelay:       5 * time.Minute,
			JitterFraction: 0.2,
		}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		queue:        cfg.Queue,
		registry:     registry,
		concurrency:  concurrency,
		visibility:   visibility,
		taskTimeout:  taskTimeout,
		pollInterval: pollInterval,
		backoff:      backoff,
		conn:         cfg.Conn,
		deadLetters:  cfg.DeadLetters,
		metrics:      cfg.Metrics,
		logger:       logger,
		wake:         make(chan struct{}, concurrency),
	}
}

// Run запускает воркеров и блокируется до отмены ctx.
// Выполняемые задачи получают отмену и фиксируют итог перед выходом.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool",
		"concurrency", p.concurrency,
		"visibility", p.visibility,
		"task_timeout", p.taskTimeout,
		"poll_interval", p.pollInterval,
		"kinds", p.registry.Kinds(),
	)

	g, ctx := errgroup.WithContext(ctx)

	if p.conn != nil {
		consumer := mq.NewReadyConsumer(p.conn, defaultPrefetch, p.taskReady, p.logger)
		g.Go(func() error {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("task.ready consumer stopped", "error", err)
			}
			return nil
		})
	}

	for i := 0; i < p.concurrency; i++ {
		id := i
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// Wake будит один простаивающий воркер.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) taskReady(ready mq.TaskReadyPayload) {
	p.logger.Debug("task.ready received", "task_id", ready.TaskID, "kind", ready.Kind)
	p.Wake()
}

func (p *Pool) loop(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	for {
		processed, err := p.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("dequeue failed", "error", err)
		}
		if processed {
			continue
		}

		timer.Reset(p.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

// ProcessOne берёт одну задачу и выполняет её.
// Возвращает false, если видимых задач нет.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	task, err := p.queue.Dequeue(ctx, p.visibility)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if task == nil {
		return false, nil
	}
	p.execute(ctx, task)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, task *domain.Task) {
	logger := telemetry.WithTask(p.logger, task.ID.String(), task.Kind, task.Attempt)
	started := time.Now()

	// итог фиксируется даже при остановке пула
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()

	if task.Attempt > 1 && p.metrics != nil {
		p.metrics.TaskRedelivered(task.Kind)
	}

	if task.Attempt > task.MaxAttempts {
		cause := fmt.Errorf("%w: attempt %d of %d", ErrAttemptsExceeded, task.Attempt, task.MaxAttempts)
		p.deadLetter(settleCtx, logger, task, cause, started)
		return
	}

	handler, err := p.registry.Get(task.Kind)
	if err != nil {
		p.deadLetter(settleCtx, logger, task, err, started)
		return
	}

	logger.Info("task started")

	runCtx, cancel := context.WithTimeoutCause(ctx, p.taskTimeout, ErrTaskTimeout)
	runErr := p.safeHandle(runCtx, handler, task)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(runErr, ErrTaskTimeout) {
		runErr = fmt.Errorf("%w: %w", ErrTaskTimeout, runErr)
	}
	cancel()

	switch {
	case runErr == nil:
		p.ack(settleCtx, logger, task, started)

	case isFatal(runErr):
		p.deadLetter(settleCtx, logger, task, runErr, started)

	case ctx.Err() != nil:
		// пул останавливается: задача сразу видна другим воркерам
		if err := p.queue.Nack(settleCtx, task, runErr, 0); err != nil {
			logger.Warn("release task on shutdown failed", "error", err)
		}
		logger.Info("task released on shutdown")

	case !task.CanRetry():
		cause := &retry.ExhaustedError{Op: task.Kind, Attempts: task.Attempt, Last: runErr}
		p.deadLetter(settleCtx, logger, task, cause, started)

	default:
		p.nack(settleCtx, logger, task, runErr, started)
	}
}

// safeHandle превращает панику обработчика в fatal-ошибку.
func (p *Pool) safeHandle(ctx context.Context, h Handler, task *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = retry.Fatal(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return h.Handle(ctx, task)
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, task *domain.Task, started time.Time) {
	if err := p.queue.Ack(ctx, task); err != nil {
		p.settleFailed(logger, task, "ack", err, started)
		return
	}
	p.finished(task, outcomeSucceeded, started)
	if p.metrics != nil {
		p.metrics.TaskSucceeded(task.Kind)
	}
	logger.Info("task succeeded", "duration", time.Since(started))
}

func (p *Pool) nack(ctx context.Context, logger *slog.Logger, task *domain.Task, cause error, started time.Time) {
	delay := p.backoff.Jitter(p.backoff.Backoff(task.Attempt))
	if err := p.queue.Nack(ctx, task, cause, delay); err != nil {
		p.settleFailed(logger, task, "nack", err, started)
		return
	}
	p.finished(task, outcomeRetried, started)
	logger.Warn("task failed, will retry",
		"error", cause,
		"retry_in", delay,
		"max_attempts", task.MaxAttempts,
	)
}

func (p *Pool) deadLetter(ctx context.Context, logger *slog.Logger, task *domain.Task, cause error, started time.Time) {
	if err := p.queue.DeadLetter(ctx, task, cause); err != nil {
		p.settleFailed(logger, task, "dead-letter", err, started)
		return
	}
	p.finished(task, outcomeDeadLetter, started)
	if p.metrics != nil {
		p.metrics.TaskDeadLettered(task.Kind)
	}
	logger.Error("task dead-lettered", "error", cause)

	if p.deadLetters == nil {
		return
	}
	payload := mq.DeadLetterPayload{
		TaskID:  task.ID,
		Kind:    task.Kind,
		Attempt: task.Attempt,
		Error:   cause.Error(),
	}
	if err := p.deadLetters.PublishDeadLetter(ctx, payload); err != nil {
		// запись в БД уже финальна, DLQ — только уведомление
		logger.Warn("publish dead-letter failed", "error", err)
	}
}

func (p *Pool) settleFailed(logger *slog.Logger, task *domain.Task, op string, err error, started time.Time) {
	if errors.Is(err, domain.ErrStaleDelivery) {
		p.finished(task, outcomeStale, started)
		logger.Warn("task redelivered elsewhere, result discarded", "op", op)
		return
	}
	logger.Error("settle task failed", "op", op, "error", err)
}

func (p *Pool) finished(task *domain.Task, outcome string, started time.Time) {
	if p.metrics != nil {
		p.metrics.TaskFinished(task.Kind, outcome, time.Since(started))
	}
}

// isFatal: на уровне задачи fatal — только явный тег retry.Fatal.
// Исчерпанные шаговые retry и таймауты верификации повторяются новой доставкой.
func isFatal(err error) bool {
	class, ok := retry.ClassOf(err)
	return ok && class == retry.ClassFatal
}
