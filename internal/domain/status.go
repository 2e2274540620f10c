package domain

// TaskStatus — статус task в очереди.
//
// Жизненный цикл:
//
//	pending → running → succeeded
//	                  ↘ failed → (redelivery) → running → …
//	                  ↘ dead_letter
//
// running с истёкшим visibility deadline снова выдаётся воркерам.
type TaskStatus string

const (
	// TaskStatusPending — task в очереди, ещё не выдавался.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning — task выдан воркеру, visibility deadline не истёк.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSucceeded — task подтверждён (ack).
	TaskStatusSucceeded TaskStatus = "succeeded"

	// TaskStatusFailed — попытка завершилась ошибкой, task ждёт повторной выдачи.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusDeadLetter — попытки исчерпаны или ошибка фатальная.
	// Требует ручного разбора.
	TaskStatusDeadLetter TaskStatus = "dead_letter"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что строка — известный статус.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusDeadLetter:
		return true
	default:
		return false
	}
}

// HealthState — рекомендательное состояние identity.
// Пул не исключает identity по этому признаку.
type HealthState string

const (
	HealthUnknown  HealthState = "unknown"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
)

// AccountStatus — статус аккаунта на внешней платформе.
type AccountStatus string

const (
	AccountStatusPending AccountStatus = "pending"
	AccountStatusActive  AccountStatus = "active"
)

// ListingStatus — статус листинга.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusInactive ListingStatus = "inactive"
)

// OrderStatus — статус заказа.
//
//	pending → fulfilled
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFulfilled OrderStatus = "fulfilled"
)
