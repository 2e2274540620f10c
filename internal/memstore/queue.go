// Package memstore — durable-уровень и очередь задач в памяти процесса.
//
// Семантика совпадает с internal/repo (upsert по натуральному ключу,
// выдача задачи одному воркеру, visibility deadline), но данные живут
// до остановки процесса. Используется в режиме STORE_DRIVER=memory и в
// тестах.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// Queue — очередь задач в памяти.
type Queue struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
	now   func() time.Time
}

// NewQueue создаёт пустую очередь.
func NewQueue() *Queue {
	return &Queue{
		tasks: make(map[uuid.UUID]*domain.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет часы очереди.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) Enqueue(_ context.Context, kind string, payload []byte, maxAttempts int) (uuid.UUID, error) {
	task := domain.NewTask(kind, append([]byte(nil), payload...), maxAttempts)

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	task.CreatedAt, task.UpdatedAt, task.VisibilityDeadline = now, now, now
	q.tasks[task.ID] = task
	return task.ID, nil
}

func (q *Queue) Get(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTask(task), nil
}

// Dequeue выдаёт самую «старую» видимую задачу; пустая очередь — (nil, nil).
func (q *Queue) Dequeue(_ context.Context, visibility time.Duration) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var ready []*domain.Task
	for _, task := range q.tasks {
		if task.IsVisible(now) {
			ready = append(ready, task)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}

	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].VisibilityDeadline.Equal(ready[j].VisibilityDeadline) {
			return ready[i].VisibilityDeadline.Before(ready[j].VisibilityDeadline)
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	task := ready[0]
	task.MarkRunning(now, visibility)
	return cloneTask(task), nil
}

func (q *Queue) Ack(_ context.Context, task *domain.Task) error {
	return q.settle(task, func(stored *domain.Task, now time.Time) {
		stored.MarkSucceeded(now)
	})
}

func (q *Queue) Nack(_ context.Context, task *domain.Task, cause error, retryAfter time.Duration) error {
	return q.settle(task, func(stored *domain.Task, now time.Time) {
		stored.MarkFailed(now, errorText(cause), retryAfter)
	})
}

func (q *Queue) DeadLetter(_ context.Context, task *domain.Task, cause error) error {
	return q.settle(task, func(stored *domain.Task, now time.Time) {
		stored.MarkDeadLetter(now, errorText(cause))
	})
}

// CountByStatus возвращает число задач в каждом статусе.
func (q *Queue) CountByStatus(context.Context) (map[domain.TaskStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.TaskStatus]int)
	for _, task := range q.tasks {
		out[task.Status]++
	}
	return out, nil
}

// settle применяет итог доставки, если задача всё ещё принадлежит ей.
func (q *Queue) settle(task *domain.Task, apply func(*domain.Task, time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.tasks[task.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Status != domain.TaskStatusRunning || stored.Attempt != task.Attempt {
		return domain.ErrStaleDelivery
	}

	apply(stored, q.now())
	*task = *cloneTask(stored)
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
