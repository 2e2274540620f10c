package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownKind — для kind не зарегистрирован обработчик.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrInvalidPayload — payload не является JSON-объектом.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrAttemptsExceeded — задача доставлена больше max_attempts раз.
	ErrAttemptsExceeded = errors.New("task delivered more than max_attempts times")

	// ErrHandlerPanic — обработчик паниковал.
	ErrHandlerPanic = errors.New("task handler panicked")

	// ErrTaskTimeout — обработчик не уложился в таймаут задачи.
	ErrTaskTimeout = errors.New("task timeout")
)
