package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/memstore"
	"github.com/NovaTayler/Humanitas/internal/mq"
	"github.com/NovaTayler/Humanitas/internal/retry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	mu           sync.Mutex
	succeeded    int
	deadLettered int
	redelivered  int
	enqueued     int
	outcomes     []string
}

func (m *recordingMetrics) TaskSucceeded(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded++
}

func (m *recordingMetrics) TaskDeadLettered(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered++
}

func (m *recordingMetrics) TaskRedelivered(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redelivered++
}

func (m *recordingMetrics) TaskEnqueued(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued++
}

func (m *recordingMetrics) TaskFinished(_, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

type recordingDLQ struct {
	mu       sync.Mutex
	payloads []mq.DeadLetterPayload
}

func (d *recordingDLQ) PublishDeadLetter(_ context.Context, p mq.DeadLetterPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, p)
	return nil
}

type fixture struct {
	queue   *memstore.Queue
	clock   *clock
	metrics *recordingMetrics
	dlq     *recordingDLQ
	pool    *Pool
}

func newFixture(t *testing.T, kind string, h Handler) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := memstore.NewQueue()
	q.SetClock(c.Now)

	registry := NewRegistry()
	if h != nil {
		registry.Register(kind, h)
	}
	f := &fixture{queue: q, clock: c, metrics: &recordingMetrics{}, dlq: &recordingDLQ{}}
	f.pool = New(Config{
		Queue:       q,
		Registry:    registry,
		Visibility:  time.Minute,
		TaskTimeout: time.Second,
		Backoff:     retry.Policy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute},
		DeadLetters: f.dlq,
		Metrics:     f.metrics,
	})
	return f
}

func (f *fixture) enqueue(t *testing.T, kind string, maxAttempts int) uuid.UUID {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), kind, []byte(`{}`), maxAttempts)
	require.NoError(t, err)
	return id
}

func (f *fixture) status(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestPool_SuccessAcks(t *testing.T) {
	f := newFixture(t, "noop", HandlerFunc(func(context.Context, *domain.Task) error { return nil }))
	id := f.enqueue(t, "noop", 3)

	processed, err := f.pool.ProcessOne(context.Background())

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, domain.TaskStatusSucceeded, f.status(t, id).Status)
	assert.Equal(t, 1, f.metrics.succeeded)
	assert.Equal(t, []string{outcomeSucceeded}, f.metrics.outcomes)
}

func TestPool_EmptyQueue(t *testing.T) {
	f := newFixture(t, "noop", nil)

	processed, err := f.pool.ProcessOne(context.Background())

	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPool_FatalDeadLetters(t *testing.T) {
	f := newFixture(t, "bad", HandlerFunc(func(context.Context, *domain.Task) error {
		return retry.Fatal(errors.New("invalid credentials"))
	}))
	id := f.enqueue(t, "bad", 5)

	_, err := f.pool.ProcessOne(context.Background())
	require.NoError(t, err)

	task := f.status(t, id)
	assert.Equal(t, domain.TaskStatusDeadLetter, task.Status)
	assert.Contains(t, task.Error, "invalid credentials")
	require.Len(t, f.dlq.payloads, 1)
	assert.Equal(t, id, f.dlq.payloads[0].TaskID)
	assert.Equal(t, 1, f.metrics.deadLettered)
}

func TestPool_RetryableNacksThenDeadLettersAtMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, "flaky", HandlerFunc(func(context.Context, *domain.Task) error {
		calls.Add(1)
		return errors.New("connection reset")
	}))
	id := f.enqueue(t, "flaky", 3)
	ctx := context.Background()

	_, err := f.pool.ProcessOne(ctx)
	require.NoError(t, err)
	task := f.status(t, id)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.True(t, task.VisibilityDeadline.After(f.clock.Now()))

	// до истечения backoff задача не видна
	processed, err := f.pool.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	for i := 0; i < 2; i++ {
		f.clock.Advance(2 * time.Minute)
		processed, err = f.pool.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	task = f.status(t, id)
	assert.Equal(t, domain.TaskStatusDeadLetter, task.Status)
	assert.Equal(t, 3, task.Attempt)
	assert.EqualValues(t, 3, calls.Load())
	assert.Contains(t, task.Error, retry.ErrExhaustedRetries.Error())
	assert.Equal(t, 2, f.metrics.redelivered)
	assert.Equal(t, []string{outcomeRetried, outcomeRetried, outcomeDeadLetter}, f.metrics.outcomes)
}

func TestPool_RedeliveryPastMaxAttemptsSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, "slow", HandlerFunc(func(context.Context, *domain.Task) error {
		calls.Add(1)
		return nil
	}))
	id := f.enqueue(t, "slow", 1)
	ctx := context.Background()

	// первый воркер взял задачу и пропал
	lost, err := f.queue.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lost)
	f.clock.Advance(2 * time.Minute)

	processed, err := f.pool.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	task := f.status(t, id)
	assert.Equal(t, domain.TaskStatusDeadLetter, task.Status)
	assert.Equal(t, 2, task.Attempt)
	assert.Zero(t, calls.Load())
	assert.Contains(t, task.Error, ErrAttemptsExceeded.Error())

	// итог пропавшего воркера отбрасывается
	assert.ErrorIs(t, f.queue.Ack(ctx, lost), domain.ErrStaleDelivery)
}

func TestPool_UnknownKindDeadLetters(t *testing.T) {
	f := newFixture(t, "known", nil)
	id := f.enqueue(t, "mystery", 3)

	_, err := f.pool.ProcessOne(context.Background())
	require.NoError(t, err)

	task := f.status(t, id)
	assert.Equal(t, domain.TaskStatusDeadLetter, task.Status)
	assert.Contains(t, task.Error, ErrUnknownKind.Error())
}

func TestPool_PanicIsFatal(t *testing.T) {
	f := newFixture(t, "boom", HandlerFunc(func(context.Context, *domain.Task) error {
		panic("nil map")
	}))
	id := f.enqueue(t, "boom", 3)

	_, err := f.pool.ProcessOne(context.Background())
	require.NoError(t, err)

	task := f.status(t, id)
	assert.Equal(t, domain.TaskStatusDeadLetter, task.Status)
	assert.Contains(t, task.Error, "nil map")
}

func TestPool_TaskTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, "hang", HandlerFunc(func(ctx context.Context, _ *domain.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	f.pool.taskTimeout = 20 * time.Millisecond
	id := f.enqueue(t, "hang", 3)

	_, err := f.pool.ProcessOne(context.Background())
	require.NoError(t, err)

	task := f.status(t, id)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, ErrTaskTimeout.Error())
}

func TestPool_ExhaustedStepRetriesStayRetryable(t *testing.T) {
	f := newFixture(t, "steps", HandlerFunc(func(context.Context, *domain.Task) error {
		return retry.Retryable(&retry.ExhaustedError{Op: "signup", Attempts: 3, Last: errors.New("503")})
	}))
	id := f.enqueue(t, "steps", 3)

	_, err := f.pool.ProcessOne(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusFailed, f.status(t, id).Status)
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	var done atomic.Int32
	f := newFixture(t, "noop", HandlerFunc(func(context.Context, *domain.Task) error {
		done.Add(1)
		return nil
	}))
	f.pool.pollInterval = 5 * time.Millisecond
	for i := 0; i < 5; i++ {
		f.enqueue(t, "noop", 3)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.pool.Run(ctx) }()

	require.Eventually(t, func() bool { return done.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", HandlerFunc(func(context.Context, *domain.Task) error { return nil }))
	r.Register("a", HandlerFunc(func(context.Context, *domain.Task) error { return nil }))

	assert.Equal(t, []string{"a", "b"}, r.Kinds())
	_, err := r.Get("c")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPool_SubmitterWakesIdleWorker(t *testing.T) {
	var done atomic.Int32
	f := newFixture(t, "noop", HandlerFunc(func(context.Context, *domain.Task) error {
		done.Add(1)
		return nil
	}))
	f.pool.pollInterval = time.Hour
	submitter := NewSubmitter(SubmitterConfig{Queue: f.queue, Waker: f.pool})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- f.pool.Run(ctx) }()

	// воркеры уже опросили пустую очередь и ждут
	time.Sleep(50 * time.Millisecond)

	id, err := submitter.Submit(ctx, "noop", []byte(`{}`), 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return done.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.TaskStatusSucceeded, f.status(t, id).Status)

	cancel()
	assert.NoError(t, <-errCh)
}
