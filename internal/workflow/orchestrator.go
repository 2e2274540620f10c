package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/telemetry"
	"github.com/NovaTayler/Humanitas/internal/verify"
)

const defaultStepTimeout = time.Minute

// Identities — то, что Orchestrator берёт у identity.Pool.
type Identities interface {
	Assign(sessionKey string) domain.Identity
	Wait(ctx context.Context, identity domain.Identity) error
	HTTPClient(identity domain.Identity) *http.Client
}

// Orchestrator выполняет workflow адаптеров.
type Orchestrator struct {
	adapters    *Registry
	identities  Identities
	poller      *verify.Poller
	policy      retry.Policy
	stepTimeout time.Duration
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Config — конфигурация Orchestrator.
type Config struct {
	Adapters   *Registry
	Identities Identities

	// Poller — ожидание подтверждений (default: verify.New без observer).
	Poller *verify.Poller

	// StepPolicy — retry каждого шага (default: retry.DefaultPolicy).
	// Observer политики получает события retry (метрики).
	StepPolicy retry.Policy

	// StepTimeout — жёсткий предел одной попытки шага (default: 1m).
	StepTimeout time.Duration

	Logger *slog.Logger
}

// NewOrchestrator создаёт Orchestrator.
func NewOrchestrator(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := cfg.Adapters
	if adapters == nil {
		adapters = NewRegistry()
	}
	poller := cfg.Poller
	if poller == nil {
		poller = verify.New(verify.Config{Logger: logger})
	}
	policy := cfg.StepPolicy
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy("step")
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}

	return &Orchestrator{
		adapters:    adapters,
		identities:  cfg.Identities,
		poller:      poller,
		policy:      policy,
		stepTimeout: stepTimeout,
		tracer:      telemetry.Tracer(),
		logger:      logger,
		now:         time.Now,
	}
}

// Request — запуск одного workflow.
type Request struct {
	Kind       string
	Platform   string
	SessionKey string
	Inputs     map[string]any

	// Persist вызывается в состоянии Persisting после всех шагов.
	Persist func(ctx context.Context, exec *Execution) error
}

// Run проводит workflow через все состояния.
//
// Execution возвращается всегда, в том числе вместе с ошибкой.
// Ошибка размечена retry.Fatal или retry.Retryable для очереди.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Execution, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.kind", req.Kind),
		attribute.String("workflow.platform", req.Platform),
	))

	exec := &Execution{
		Kind:       req.Kind,
		Platform:   req.Platform,
		SessionKey: req.SessionKey,
		Attempts:   make(map[string]int),
	}
	logger := telemetry.WithSession(o.logger, req.SessionKey).With("kind", req.Kind, "platform", req.Platform)

	err := o.run(ctx, req, exec, logger)
	if err != nil {
		err = o.taskError(err)
		exec.Err = err
		exec.transition(StateFailed, "", o.now())
		logger.Warn("workflow failed", "error", err, "states", exec.States())
	} else {
		exec.transition(StateCompleted, "", o.now())
		logger.Info("workflow completed", "steps", len(exec.Attempts))
	}

	telemetry.EndSpan(span, err)
	return exec, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, exec *Execution, logger *slog.Logger) error {
	exec.transition(StateStarted, "", o.now())

	if req.SessionKey == "" {
		return fmt.Errorf("%w: empty session key", ErrValidation)
	}
	adapter, err := o.adapters.Get(req.Platform)
	if err != nil {
		return retry.Fatal(err)
	}
	steps, err := adapter.Steps(req.Kind)
	if err != nil {
		return retry.Fatal(fmt.Errorf("%w: %s/%s: %v", ErrUnsupportedKind, req.Platform, req.Kind, err))
	}

	identity := o.identities.Assign(req.SessionKey)
	session := &Session{
		Key:      req.SessionKey,
		Platform: adapter.Platform(),
		Kind:     req.Kind,
		Identity: identity,
		Client:   o.identities.HTTPClient(identity),
		Inputs:   req.Inputs,
	}
	exec.Session = session
	exec.transition(StateIdentityAssigned, "", o.now())
	logger.Debug("identity assigned", "identity", identity.String())

	classify := retry.DefaultClassifier
	if c, ok := adapter.(Classifier); ok {
		classify = c.Classify
	}

	for _, step := range steps {
		exec.transition(StateStepsExecuting, step.Name(), o.now())

		result, err := o.executeStep(ctx, step, session, exec, classify)
		if err != nil {
			return fmt.Errorf("step %s: %w", step.Name(), err)
		}
		for name, value := range result.Values {
			session.Set(step.Name(), name, value)
		}

		if result.Verification != nil {
			exec.transition(StateVerificationPending, step.Name(), o.now())
			challenge := *result.Verification
			value, err := o.poller.Await(ctx, challenge)
			if err != nil {
				return fmt.Errorf("step %s: %w", step.Name(), err)
			}
			session.Set(step.Name(), string(challenge.Kind), value)
		}
	}

	if req.Persist != nil {
		exec.transition(StatePersisting, "", o.now())
		if err := req.Persist(ctx, exec); err != nil {
			return fmt.Errorf("persist: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) executeStep(ctx context.Context, step Step, session *Session, exec *Execution, classify retry.Classifier) (StepResult, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.name", step.Name()),
	))

	policy := o.policy.Named(session.Platform + "." + step.Name())
	result, attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (StepResult, error) {
		if err := o.identities.Wait(ctx, session.Identity); err != nil {
			return StepResult{}, err
		}
		stepCtx, cancel := context.WithTimeoutCause(ctx, o.stepTimeout, ErrStepTimeout)
		defer cancel()

		res, err := step.Execute(stepCtx, session, session.Identity)
		if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return StepResult{}, retry.Retryable(fmt.Errorf("%w after %s: %w", ErrStepTimeout, o.stepTimeout, err))
		}
		return res, err
	}, classify)

	exec.Attempts[step.Name()] = attempts
	if err != nil && ctx.Err() == nil && !errors.Is(err, retry.ErrExhaustedRetries) && classify(err) == retry.ClassFatal {
		err = retry.Fatal(err)
	}
	span.SetAttributes(attribute.Int("step.attempts", attempts))
	telemetry.EndSpan(span, err)
	return result, err
}

// taskError размечает ошибку workflow для очереди задач.
func (o *Orchestrator) taskError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrValidation):
		return retry.Fatal(err)
	case errors.Is(err, retry.ErrExhaustedRetries), errors.Is(err, verify.ErrVerificationTimeout):
		return retry.Retryable(err)
	}
	return err
}
