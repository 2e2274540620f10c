package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Значения по умолчанию (3 попытки, 2s → 30s).
const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 2 * time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultJitterFraction = 0.2
)

// Observer получает события политики (метрики).
type Observer interface {
	RetryScheduled(op string, attempt int, delay time.Duration, err error)
	RetriesExhausted(op string, attempts int, err error)
}

// Operation — повторяемая операция. attempt начинается с 1.
type Operation func(ctx context.Context, attempt int) error

// Policy — единственный примитив retry для всех внешних вызовов.
//
// Алгоритм:
//  1. attempt = 1, выполняем операцию
//  2. ошибка → classify: fatal возвращается сразу
//  3. retryable и attempt < MaxAttempts → ждём
//     min(MaxDelay, BaseDelay * 2^(attempt-1)) * jitter, attempt++
//  4. после MaxAttempts retryable ошибок → *ExhaustedError
//
// Jitter выбирается заново для каждой попытки из [1-j, 1+j].
type Policy struct {
	// Name — имя операции для логов и метрик.
	Name string

	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	Observer Observer
	Logger   *slog.Logger

	// sleep и random подменяются в тестах.
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// DefaultPolicy возвращает политику по умолчанию с именем операции.
func DefaultPolicy(name string) Policy {
	return Policy{
		Name:           name,
		MaxAttempts:    defaultMaxAttempts,
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		JitterFraction: defaultJitterFraction,
	}
}

// Named возвращает копию политики с другим именем операции.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

// WithSleep возвращает копию политики с заданной функцией ожидания.
func (p Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return defaultMaxDelay
	}
	return p.MaxDelay
}

// Backoff возвращает задержку без jitter после неудачной попытки attempt
// (перед попыткой attempt+1): min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p Policy) Backoff(attempt int) time.Duration {
	maxDelay := p.maxDelay()
	delay := p.BaseDelay
	if delay < 0 {
		delay = 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Jitter масштабирует задержку случайным множителем из [1-j, 1+j].
func (p Policy) Jitter(delay time.Duration) time.Duration {
	j := p.JitterFraction
	if j <= 0 || delay <= 0 {
		return delay
	}
	if j > 1 {
		j = 1
	}
	random := p.random
	if random == nil {
		random = rand.Float64
	}
	factor := 1 - j + 2*j*random()
	return time.Duration(float64(delay) * factor)
}

// Execute выполняет операцию с retry.
//
// Возвращает количество выполненных попыток и результат:
// nil, ошибку fatal-класса, *ExhaustedError или ошибку контекста.
func (p Policy) Execute(ctx context.Context, op Operation, classify Classifier) (int, error) {
	if classify == nil {
		classify = DefaultClassifier
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = Sleep
	}
	maxAttempts := p.maxAttempts()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		if classify(err) == ClassFatal {
			return attempt, err
		}

		if attempt >= maxAttempts {
			if p.Observer != nil {
				p.Observer.RetriesExhausted(p.Name, attempt, err)
			}
			return attempt, &ExhaustedError{Op: p.Name, Attempts: attempt, Last: err}
		}

		// Задержка считается до попытки, которая её использует
		delay := p.Jitter(p.Backoff(attempt))

		if p.Logger != nil {
			p.Logger.Debug("retrying operation",
				"operation", p.Name,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
		if p.Observer != nil {
			p.Observer.RetryScheduled(p.Name, attempt, delay, err)
		}

		if err := sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

// Do — типизированная обёртка над Execute.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), classify Classifier) (T, int, error) {
	var result T
	attempts, err := p.Execute(ctx, func(ctx context.Context, attempt int) error {
		v, err := op(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, classify)
	return result, attempts, err
}

// Sleep ждёт d с учётом контекста.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
