package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/identity"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/verify"
)

type testAdapter struct {
	platform string
	steps    map[string][]Step
}

func (a *testAdapter) Platform() string { return a.platform }

func (a *testAdapter) Steps(kind string) ([]Step, error) {
	steps, ok := a.steps[kind]
	if !ok {
		return nil, errors.New("no such workflow")
	}
	return steps, nil
}

type classifyingAdapter struct {
	*testAdapter
	classify func(error) retry.Class
}

func (a *classifyingAdapter) Classify(err error) retry.Class { return a.classify(err) }

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{
		Name:        "test",
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}.WithSleep(noSleep)
}

func newTestOrchestrator(adapters ...Adapter) *Orchestrator {
	return NewOrchestrator(Config{
		Adapters:   NewRegistry(adapters...),
		Identities: identity.New(identity.Config{}),
		Poller:     verify.New(verify.Config{Sleep: noSleep}),
		StepPolicy: testPolicy(3),
	})
}

func ok(name string) Step {
	return StepFunc{StepName: name, Fn: func(context.Context, *Session, domain.Identity) (StepResult, error) {
		return StepResult{Values: map[string]string{"status": "ok"}}, nil
	}}
}

// failingTimes отдаёт retryable-ошибку первые n вызовов.
func failingTimes(name string, n int32, calls *atomic.Int32) Step {
	return StepFunc{StepName: name, Fn: func(context.Context, *Session, domain.Identity) (StepResult, error) {
		if calls.Add(1) <= n {
			return StepResult{}, retry.Retryablef("%s: 503 service unavailable", name)
		}
		return StepResult{Values: map[string]string{"id": "acc-1"}}, nil
	}}
}

func TestRun_StateSequenceWithVerification(t *testing.T) {
	confirm := StepFunc{StepName: "confirm", Fn: func(context.Context, *Session, domain.Identity) (StepResult, error) {
		return StepResult{Verification: &verify.Challenge{
			TargetKey:    "a@example.com",
			Kind:         verify.KindCode,
			PollInterval: time.Second,
			MaxPolls:     3,
			Check:        func(context.Context) (string, error) { return "123456", nil },
		}}, nil
	}}
	o := newTestOrchestrator(&testAdapter{platform: "Shop", steps: map[string][]Step{
		KindProvisionAccount: {ok("signup"), confirm},
	}})

	var persisted bool
	exec, err := o.Run(context.Background(), Request{
		Kind:       KindProvisionAccount,
		Platform:   "shop",
		SessionKey: "shop:a@example.com",
		Persist: func(context.Context, *Execution) error {
			persisted = true
			return nil
		},
	})

	require.NoError(t, err)
	assert.True(t, persisted)
	assert.Equal(t, []State{
		StateStarted,
		StateIdentityAssigned,
		StateStepsExecuting,
		StateStepsExecuting,
		StateVerificationPending,
		StatePersisting,
		StateCompleted,
	}, exec.States())

	code, found := exec.Session.Value("confirm.code")
	assert.True(t, found)
	assert.Equal(t, "123456", code)
	status, _ := exec.Session.Value("signup.status")
	assert.Equal(t, "ok", status)
	assert.True(t, exec.Session.Identity.IsDirect())
}

func TestRun_StepRetriedUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{
		KindProvisionAccount: {failingTimes("signup", 2, &calls)},
	}})

	exec, err := o.Run(context.Background(), Request{Kind: KindProvisionAccount, Platform: "shop", SessionKey: "k"})

	require.NoError(t, err)
	assert.Equal(t, 3, exec.Attempts["signup"])
	assert.Equal(t, StateCompleted, exec.State)
}

func TestRun_ExhaustedStepIsRetryableForTask(t *testing.T) {
	var calls atomic.Int32
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{
		KindProvisionAccount: {failingTimes("signup", 10, &calls)},
	}})

	exec, err := o.Run(context.Background(), Request{Kind: KindProvisionAccount, Platform: "shop", SessionKey: "k"})

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
	class, tagged := retry.ClassOf(err)
	assert.True(t, tagged)
	assert.Equal(t, retry.ClassRetryable, class)
	assert.Equal(t, StateFailed, exec.State)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRun_FatalStepStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	bad := StepFunc{StepName: "signup", Fn: func(context.Context, *Session, domain.Identity) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, retry.Fatal(errors.New("email rejected"))
	}}
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{
		KindProvisionAccount: {bad, ok("never")},
	}})

	exec, err := o.Run(context.Background(), Request{Kind: KindProvisionAccount, Platform: "shop", SessionKey: "k"})

	class, _ := retry.ClassOf(err)
	assert.Equal(t, retry.ClassFatal, class)
	assert.EqualValues(t, 1, calls.Load())
	assert.NotContains(t, exec.Attempts, "never")
}

func TestRun_VerificationTimeoutIsRetryableForTask(t *testing.T) {
	var checks atomic.Int32
	wait := StepFunc{StepName: "confirm", Fn: func(context.Context, *Session, domain.Identity) (StepResult, error) {
		return StepResult{Verification: &verify.Challenge{
			Kind:         verify.KindCaptcha,
			PollInterval: time.Second,
			MaxPolls:     4,
			Check: func(context.Context) (string, error) {
				checks.Add(1)
				return "", verify.ErrNotReady
			},
		}}, nil
	}}
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{
		KindProvisionAccount: {wait},
	}})

	_, err := o.Run(context.Background(), Request{Kind: KindProvisionAccount, Platform: "shop", SessionKey: "k"})

	assert.ErrorIs(t, err, verify.ErrVerificationTimeout)
	class, _ := retry.ClassOf(err)
	assert.Equal(t, retry.ClassRetryable, class)
	assert.EqualValues(t, 4, checks.Load())
}

func TestRun_UnknownPlatformAndKindAreFatal(t *testing.T) {
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{}})

	_, err := o.Run(context.Background(), Request{Kind: KindListProduct, Platform: "nowhere", SessionKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	assert.True(t, retry.IsFatal(err))

	_, err = o.Run(context.Background(), Request{Kind: KindListProduct, Platform: "shop", SessionKey: "k"})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.True(t, retry.IsFatal(err))
}

func TestRun_AdapterClassifier(t *testing.T) {
	banned := errors.New("account banned")
	var calls atomic.Int32
	step := StepFunc{StepName: "login", Fn: func(context.Context, *Session, domain.Identity) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, banned
	}}
	adapter := &classifyingAdapter{
		testAdapter: &testAdapter{platform: "shop", steps: map[string][]Step{KindListProduct: {step}}},
		classify: func(err error) retry.Class {
			if errors.Is(err, banned) {
				return retry.ClassFatal
			}
			return retry.ClassRetryable
		},
	}
	o := newTestOrchestrator(adapter)

	_, err := o.Run(context.Background(), Request{Kind: KindListProduct, Platform: "shop", SessionKey: "k"})

	assert.ErrorIs(t, err, banned)
	class, _ := retry.ClassOf(err)
	assert.Equal(t, retry.ClassFatal, class)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRun_StepTimeout(t *testing.T) {
	hang := StepFunc{StepName: "upload", Fn: func(ctx context.Context, _ *Session, _ domain.Identity) (StepResult, error) {
		<-ctx.Done()
		return StepResult{}, ctx.Err()
	}}
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{KindListProduct: {hang}}})
	o.stepTimeout = 10 * time.Millisecond

	exec, err := o.Run(context.Background(), Request{Kind: KindListProduct, Platform: "shop", SessionKey: "k"})

	assert.ErrorIs(t, err, ErrStepTimeout)
	assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
	assert.Equal(t, 3, exec.Attempts["upload"])
}

func TestRun_PersistFailureFailsWorkflow(t *testing.T) {
	o := newTestOrchestrator(&testAdapter{platform: "shop", steps: map[string][]Step{KindListProduct: {ok("publish")}}})

	exec, err := o.Run(context.Background(), Request{
		Kind:       KindListProduct,
		Platform:   "shop",
		SessionKey: "k",
		Persist: func(context.Context, *Execution) error {
			return errors.New("database is down")
		},
	})

	assert.ErrorContains(t, err, "persist: database is down")
	assert.False(t, retry.IsFatal(err))
	assert.Equal(t, StateFailed, exec.State)
}

func TestSession_Value(t *testing.T) {
	s := &Session{}
	s.Set("signup", "token", "abc")

	v, found := s.Value("signup.token")
	assert.True(t, found)
	assert.Equal(t, "abc", v)

	_, found = s.Value("signup")
	assert.False(t, found)
}
