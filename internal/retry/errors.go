package retry

import (
	"context"
	"errors"
	"fmt"
)

// Class — класс ошибки для RetryPolicy.
type Class int

const (
	// ClassRetryable — временная ошибка: таймаут сети, 5xx, rate limit.
	ClassRetryable Class = iota + 1

	// ClassFatal — повтор бессмысленен: невалидный ввод, нет credentials.
	ClassFatal
)

// String возвращает имя класса.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrExhaustedRetries — все попытки исчерпаны.
var ErrExhaustedRetries = errors.New("retry attempts exhausted")

// ErrVerificationTimeout — ограниченное ожидание подтверждения истекло.
// Повтор на том же уровне не поможет; verify отдаёт эту же ошибку.
var ErrVerificationTimeout = errors.New("verification timeout")

// Error — ошибка с явным тегом класса.
//
// Вместо сопоставления строк классификатор смотрит на тег:
//
//	return retry.Retryable(fmt.Errorf("rate limited: %d", code))
//	return retry.Fatal(ErrInvalidInput)
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable помечает ошибку как временную. nil остаётся nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRetryable, Err: err}
}

// Fatal помечает ошибку как фатальную. nil остаётся nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassFatal, Err: err}
}

// Retryablef — Retryable(fmt.Errorf(...)).
func Retryablef(format string, args ...any) error {
	return Retryable(fmt.Errorf(format, args...))
}

// Fatalf — Fatal(fmt.Errorf(...)).
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// ClassOf возвращает тег ошибки, если он есть в цепочке.
func ClassOf(err error) (Class, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Class, true
	}
	return 0, false
}

// IsFatal — короткая форма для DefaultClassifier(err) == ClassFatal.
func IsFatal(err error) bool {
	return err != nil && DefaultClassifier(err) == ClassFatal
}

// ExhaustedError — попытки исчерпаны, Last — последняя ошибка операции.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s after %d attempts: %v", ErrExhaustedRetries, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s: %s after %d attempts: %v", e.Op, ErrExhaustedRetries, e.Attempts, e.Last)
}

// Unwrap позволяет errors.Is(err, ErrExhaustedRetries) и доступ к Last.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhaustedRetries, e.Last}
}

// Classifier решает, повторять ли операцию после ошибки.
// Должен быть чистой функцией от типизированной ошибки.
type Classifier func(err error) Class

// DefaultClassifier:
//   - исчерпанные retry — fatal (Last внутри может нести тег retryable)
//   - явный тег (Retryable/Fatal)
//   - истёкшее ожидание подтверждения — fatal
//   - отмена контекста — fatal
//   - истёкший deadline — retryable
//   - всё остальное (сеть, DNS) — retryable
func DefaultClassifier(err error) Class {
	if errors.Is(err, ErrExhaustedRetries) {
		return ClassFatal
	}
	if class, ok := ClassOf(err); ok {
		return class
	}
	switch {
	case errors.Is(err, ErrVerificationTimeout):
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassRetryable
	default:
		return ClassRetryable
	}
}
