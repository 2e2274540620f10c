package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKey string

func (k testKey) String() string { return "item:" + string(k) }

type item struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// fakeDurable — durable-уровень в памяти с подсчётом загрузок.
type fakeDurable struct {
	mu    sync.Mutex
	rows  map[testKey]item
	loads atomic.Int32

	// gate, если задан, блокирует Load после чтения значения.
	gate chan struct{}

	// upsertGate, если задан, блокирует Upsert до записи;
	// upserting закрывается при входе в Upsert.
	upsertGate chan struct{}
	upserting  chan struct{}
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{rows: make(map[testKey]item)}
}

func (d *fakeDurable) Load(ctx context.Context, key testKey) (item, error) {
	d.loads.Add(1)
	d.mu.Lock()
	v, ok := d.rows[key]
	d.mu.Unlock()
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return item{}, ctx.Err()
		}
	}
	if !ok {
		return item{}, ErrNotFound
	}
	return v, nil
}

func (d *fakeDurable) Upsert(_ context.Context, key testKey, v item) error {
	if d.upsertGate != nil {
		close(d.upserting)
		<-d.upsertGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[key] = v
	return nil
}

func (d *fakeDurable) Delete(_ context.Context, key testKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rows, key)
	return nil
}

// flakyCache оборачивает Cache и позволяет ломать операции.
type flakyCache struct {
	Cache
	failGet, failSet, failDelete bool
}

var errCacheDown = errors.New("cache down")

func (c *flakyCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.failGet {
		return nil, errCacheDown
	}
	return c.Cache.Get(ctx, key)
}

func (c *flakyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.failSet {
		return errCacheDown
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c *flakyCache) Delete(ctx context.Context, key string) error {
	if c.failDelete {
		return errCacheDown
	}
	return c.Cache.Delete(ctx, key)
}

func openTestCache(t *testing.T) *BadgerCache {
	t.Helper()
	c, err := OpenBadger(BadgerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStore_MissLoadsAndRepopulates(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.rows["a"] = item{Name: "a", Version: 1}
	store := NewStore[testKey, item](openTestCache(t), durable, Config{})

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	got, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.EqualValues(t, 1, durable.loads.Load())
}

func TestStore_NotFound(t *testing.T) {
	store := NewStore[testKey, item](openTestCache(t), newFakeDurable(), Config{})

	_, err := store.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_PutSurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)
	store := NewStore[testKey, item](c, newFakeDurable(), Config{})

	require.NoError(t, store.Put(ctx, "a", item{Name: "a", Version: 1}, time.Minute))
	require.NoError(t, store.Put(ctx, "a", item{Name: "a", Version: 2}, time.Minute))
	require.NoError(t, c.Clear())

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestStore_CacheReadErrorFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.rows["a"] = item{Name: "a", Version: 3}
	store := NewStore[testKey, item](&flakyCache{Cache: openTestCache(t), failGet: true}, durable, Config{})

	got, err := store.Get(ctx, "a")

	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestStore_PutCacheSetFailureInvalidates(t *testing.T) {
	ctx := context.Background()
	inner := openTestCache(t)
	flaky := &flakyCache{Cache: inner}
	store := NewStore[testKey, item](flaky, newFakeDurable(), Config{})
	require.NoError(t, store.Put(ctx, "a", item{Version: 1}, time.Minute))

	flaky.failSet = true
	require.NoError(t, store.Put(ctx, "a", item{Version: 2}, time.Minute))

	_, err := inner.Get(ctx, testKey("a").String())
	assert.ErrorIs(t, err, ErrNotFound)

	flaky.failSet = false
	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestStore_PutCacheInconsistent(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	store := NewStore[testKey, item](&flakyCache{Cache: openTestCache(t), failSet: true, failDelete: true}, durable, Config{})

	err := store.Put(ctx, "a", item{Version: 1}, time.Minute)

	assert.ErrorIs(t, err, ErrCacheInconsistent)
	assert.Equal(t, 1, durable.rows["a"].Version)
}

func TestStore_ConcurrentMissesCoalesce(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.rows["a"] = item{Version: 1}
	durable.gate = make(chan struct{})
	store := NewStore[testKey, item](openTestCache(t), durable, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Get(ctx, "a")
			assert.NoError(t, err)
			assert.Equal(t, 1, got.Version)
		}()
	}

	require.Eventually(t, func() bool { return durable.loads.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(durable.gate)
	wg.Wait()

	assert.EqualValues(t, 1, durable.loads.Load())
}

func TestStore_LoadStartedBeforePutDoesNotOverwriteCache(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)
	durable := newFakeDurable()
	durable.rows["a"] = item{Version: 1}
	durable.gate = make(chan struct{})
	store := NewStore[testKey, item](c, durable, Config{})

	done := make(chan item)
	go func() {
		got, _ := store.Get(ctx, "a")
		done <- got
	}()
	require.Eventually(t, func() bool { return durable.loads.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, store.Put(ctx, "a", item{Version: 2}, time.Minute))
	close(durable.gate)
	<-done

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestStore_LoadStartedDuringPutDoesNotOverwriteCache(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)
	durable := newFakeDurable()
	durable.rows["a"] = item{Version: 1}
	durable.gate = make(chan struct{})
	durable.upsertGate = make(chan struct{})
	durable.upserting = make(chan struct{})
	store := NewStore[testKey, item](c, durable, Config{})

	putDone := make(chan error)
	go func() { putDone <- store.Put(ctx, "a", item{Version: 2}, time.Minute) }()
	<-durable.upserting

	// Load читает старую строку, пока Put ещё не дошёл до durable.
	getDone := make(chan item)
	go func() {
		got, _ := store.Get(ctx, "a")
		getDone <- got
	}()
	require.Eventually(t, func() bool { return durable.loads.Load() == 1 }, time.Second, time.Millisecond)

	close(durable.upsertGate)
	require.NoError(t, <-putDone)
	close(durable.gate)
	assert.Equal(t, 1, (<-getDone).Version)

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 2, durable.rows["a"].Version)
}

func TestStore_CancelledCallerDoesNotFailCoalescedLoad(t *testing.T) {
	durable := newFakeDurable()
	durable.rows["a"] = item{Version: 1}
	durable.gate = make(chan struct{})
	store := NewStore[testKey, item](openTestCache(t), durable, Config{})

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error)
	go func() {
		_, err := store.Get(leaderCtx, "a")
		leaderDone <- err
	}()
	require.Eventually(t, func() bool { return durable.loads.Load() == 1 }, time.Second, time.Millisecond)

	followerDone := make(chan item)
	go func() {
		got, err := store.Get(context.Background(), "a")
		assert.NoError(t, err)
		followerDone <- got
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	time.Sleep(10 * time.Millisecond)
	close(durable.gate)

	assert.Equal(t, 1, (<-followerDone).Version)
	assert.NoError(t, <-leaderDone)
	assert.EqualValues(t, 1, durable.loads.Load())
}

func TestStore_DeleteRemovesBothTiers(t *testing.T) {
	ctx := context.Background()
	c := openTestCache(t)
	durable := newFakeDurable()
	store := NewStore[testKey, item](c, durable, Config{})
	require.NoError(t, store.Put(ctx, "a", item{Version: 1}, time.Minute))

	require.NoError(t, store.Delete(ctx, "a"))

	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, durable.rows)
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) CacheLookup(tier, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[tier+"/"+result]++
}

func TestStore_ObserverCountsTiers(t *testing.T) {
	ctx := context.Background()
	durable := newFakeDurable()
	durable.rows["a"] = item{Version: 1}
	obs := &countingObserver{counts: map[string]int{}}
	store := NewStore[testKey, item](openTestCache(t), durable, Config{Observer: obs})

	_, _ = store.Get(ctx, "a")
	_, _ = store.Get(ctx, "a")
	_, _ = store.Get(ctx, "b")

	assert.Equal(t, 1, obs.counts["cache/hit"])
	assert.Equal(t, 2, obs.counts["cache/miss"])
	assert.Equal(t, 1, obs.counts["durable/hit"])
	assert.Equal(t, 1, obs.counts["durable/miss"])
}
