package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Типы task (kind), для которых зарегистрированы обработчики.
const (
	KindProvisionAccount = "provision_account"
	KindListProduct      = "list_product"
	KindFulfillOrder     = "fulfill_order"
	KindEraseAccount     = "erase_account"
)

// DefaultMaxAttempts — лимит доставок task по умолчанию.
const DefaultMaxAttempts = 5

// Task — единица работы в очереди.
//
// Создаётся при enqueue, изменяется только воркером, который его выполняет.
// Доставка at-least-once: task с истёкшим VisibilityDeadline
// выдаётся повторно, поэтому обработчики обязаны быть идемпотентными.
type Task struct {
	// ID — уникальный идентификатор task.
	ID uuid.UUID `json:"id"`

	// Kind — тип workflow, определяет обработчик.
	Kind string `json:"kind"`

	// Payload — входные данные, непрозрачные для очереди.
	Payload []byte `json:"payload,omitempty"`

	// Attempt — номер текущей доставки (начиная с 1).
	// Увеличивается при каждой выдаче воркеру.
	Attempt int `json:"attempt"`

	// MaxAttempts — после стольких неудачных доставок task уходит в dead_letter.
	MaxAttempts int `json:"max_attempts"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// VisibilityDeadline — до этого момента task не выдаётся другим воркерам.
	VisibilityDeadline time.Time `json:"visibility_deadline"`

	// Error — текст последней ошибки.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTask создаёт task в статусе pending, сразу видимый воркерам.
func NewTask(kind string, payload []byte, maxAttempts int) *Task {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	return &Task{
		ID:                 uuid.New(),
		Kind:               kind,
		Payload:            payload,
		MaxAttempts:        maxAttempts,
		Status:             TaskStatusPending,
		VisibilityDeadline: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// IsFinished возвращает true, если task в финальном статусе.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// IsVisible — можно ли выдать task воркеру в момент now.
func (t *Task) IsVisible(now time.Time) bool {
	switch t.Status {
	case TaskStatusPending, TaskStatusFailed, TaskStatusRunning:
		return !now.Before(t.VisibilityDeadline)
	default:
		return false
	}
}

// MarkRunning выдаёт task воркеру до now+visibility.
func (t *Task) MarkRunning(now time.Time, visibility time.Duration) {
	t.Status = TaskStatusRunning
	t.Attempt++
	t.VisibilityDeadline = now.Add(visibility)
	t.UpdatedAt = now
}

// MarkSucceeded — ack.
func (t *Task) MarkSucceeded(now time.Time) {
	t.Status = TaskStatusSucceeded
	t.Error = ""
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// MarkFailed — nack: task снова станет видимым через retryAfter.
func (t *Task) MarkFailed(now time.Time, err string, retryAfter time.Duration) {
	t.Status = TaskStatusFailed
	t.Error = err
	t.VisibilityDeadline = now.Add(retryAfter)
	t.UpdatedAt = now
}

// MarkDeadLetter переводит task в финальный dead_letter.
func (t *Task) MarkDeadLetter(now time.Time, err string) {
	t.Status = TaskStatusDeadLetter
	t.Error = err
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// CanRetry проверяет, осталась ли ещё хотя бы одна доставка.
func (t *Task) CanRetry() bool {
	return t.Attempt < t.MaxAttempts
}

// ErrStaleDelivery — task уже выдан повторно (истёк visibility deadline),
// и результат этой доставки не может быть зафиксирован.
var ErrStaleDelivery = errors.New("stale task delivery")
