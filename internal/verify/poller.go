// Package verify — ограниченное ожидание внешних подтверждений.
//
// Poller владеет только контрактом ожидания: сколько раз и как часто
// спрашивать. Как узнать, что код пришёл (поиск в почтовом ящике,
// статус у провайдера CAPTCHA), решает CheckFunc вызывающего.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NovaTayler/Humanitas/internal/retry"
)

var (
	// ErrNotReady возвращается CheckFunc, если подтверждения ещё нет.
	// Отличается от ошибки: poller ждёт и спрашивает снова.
	ErrNotReady = errors.New("verification not ready")

	// ErrVerificationTimeout — подтверждение не получено за MaxPolls проверок.
	ErrVerificationTimeout = retry.ErrVerificationTimeout

	// ErrInvalidChallenge — challenge без CheckFunc или с MaxPolls <= 0.
	ErrInvalidChallenge = errors.New("invalid verification challenge")
)

// Kind — тип подтверждения.
type Kind string

const (
	KindCode    Kind = "code"
	KindCaptcha Kind = "captcha"
)

// CheckFunc проверяет наличие подтверждения.
//
// Исходы:
//   - (value, nil) — готово
//   - ("", ErrNotReady) — ещё нет, ждём PollInterval
//   - ("", err) — проверка сломалась, ожидание прекращается
type CheckFunc func(ctx context.Context) (string, error)

// Challenge — запрос на внешнее подтверждение.
// Живёт в пределах одного вызова Await.
type Challenge struct {
	// TargetKey — к чему относится подтверждение (email, url страницы).
	TargetKey string

	Kind         Kind
	PollInterval time.Duration
	MaxPolls     int
	Check        CheckFunc
}

// Deadline — верхняя оценка времени ожидания от момента start.
func (c *Challenge) Deadline(start time.Time) time.Time {
	if c.MaxPolls <= 1 {
		return start
	}
	return start.Add(time.Duration(c.MaxPolls-1) * c.PollInterval)
}

// Observer получает события таймаута (метрики).
type Observer interface {
	VerificationTimedOut(kind string)
}

// Poller ожидает подтверждения с ограниченным числом проверок.
type Poller struct {
	observer Observer
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Config — конфигурация Poller.
type Config struct {
	Observer Observer
	Logger   *slog.Logger

	// Sleep — функция ожидания (опционально; для тестов).
	Sleep func(ctx context.Context, d time.Duration) error
}

// New создаёт Poller.
func New(cfg Config) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Poller{
		observer: cfg.Observer,
		logger:   logger,
		sleep:    sleep,
	}
}

// Await вызывает Check не более MaxPolls раз.
//
// После последней неготовой проверки сна нет — сразу ErrVerificationTimeout.
func (p *Poller) Await(ctx context.Context, ch Challenge) (string, error) {
	if ch.Check == nil || ch.MaxPolls <= 0 {
		return "", fmt.Errorf("%w: target %q", ErrInvalidChallenge, ch.TargetKey)
	}

	for poll := 1; poll <= ch.MaxPolls; poll++ {
		value, err := ch.Check(ctx)
		if err == nil {
			p.logger.Debug("verification resolved",
				"target", ch.TargetKey,
				"kind", ch.Kind,
				"polls", poll,
			)
			return value, nil
		}
		if !errors.Is(err, ErrNotReady) {
			return "", fmt.Errorf("verification check %s for %q: %w", ch.Kind, ch.TargetKey, err)
		}

		if poll == ch.MaxPolls {
			break
		}
		if err := p.sleep(ctx, ch.PollInterval); err != nil {
			return "", err
		}
	}

	p.logger.Warn("verification timed out",
		"target", ch.TargetKey,
		"kind", ch.Kind,
		"polls", ch.MaxPolls,
	)
	if p.observer != nil {
		p.observer.VerificationTimedOut(string(ch.Kind))
	}
	return "", fmt.Errorf("%w: %s for %q after %d polls", ErrVerificationTimeout, ch.Kind, ch.TargetKey, ch.MaxPolls)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
