package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// Queue — durable-очередь задач (internal/repo.TaskRepo, internal/memstore.Queue).
type Queue interface {
	Enqueue(ctx context.Context, kind string, payload []byte, maxAttempts int) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Dequeue(ctx context.Context, visibility time.Duration) (*domain.Task, error)
	Ack(ctx context.Context, task *domain.Task) error
	Nack(ctx context.Context, task *domain.Task, cause error, retryAfter time.Duration) error
	DeadLetter(ctx context.Context, task *domain.Task, cause error) error
}

// Handler выполняет задачу одного kind.
//
// Ошибку, которую бессмысленно повторять, обработчик помечает
// retry.Fatal; всё остальное считается повторяемым.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) error
}

// HandlerFunc адаптирует функцию к Handler.
type HandlerFunc func(ctx context.Context, task *domain.Task) error

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) error {
	return f(ctx, task)
}

// Registry — реестр обработчиков по kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register добавляет обработчик; повторная регистрация заменяет прежний.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Get возвращает обработчик kind.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return h, nil
}

// Kinds возвращает зарегистрированные kind в алфавитном порядке.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
