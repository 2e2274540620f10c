package repo

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// testPool подключается к TEST_DB_URL; без переменной тест пропускается.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DB_URL")
	if dsn == "" {
		t.Skip("TEST_DB_URL not set")
	}
	require.NoError(t, Migrate(dsn, nil))

	pool, err := NewPool(context.Background(), PoolConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), `TRUNCATE tasks, accounts, listings, orders`)
	require.NoError(t, err)
	return pool
}

func TestTaskRepo_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskRepo(testPool(t))

	id, err := tasks.Enqueue(ctx, domain.KindListProduct, []byte(`{"sku":"A"}`), 2)
	require.NoError(t, err)

	task, err := tasks.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)

	empty, err := tasks.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, tasks.Nack(ctx, task, errors.New("503"), 0))
	task, err = tasks.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 2, task.Attempt)

	require.NoError(t, tasks.Ack(ctx, task))
	stored, err := tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSucceeded, stored.Status)
	assert.NotNil(t, stored.FinishedAt)

	_, err = tasks.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTaskRepo_ExpiredVisibilityRedelivers(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskRepo(testPool(t))
	_, err := tasks.Enqueue(ctx, domain.KindFulfillOrder, nil, 3)
	require.NoError(t, err)

	first, err := tasks.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := tasks.Dequeue(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)

	assert.ErrorIs(t, tasks.Ack(ctx, first), domain.ErrStaleDelivery)
	require.NoError(t, tasks.Ack(ctx, second))
}

func TestTaskRepo_ConcurrentDequeueHandsOutOnce(t *testing.T) {
	ctx := context.Background()
	tasks := NewTaskRepo(testPool(t))
	for i := 0; i < 10; i++ {
		_, err := tasks.Enqueue(ctx, domain.KindListProduct, nil, 1)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := tasks.Dequeue(ctx, time.Minute)
				if !assert.NoError(t, err) || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestListingRepo_UpsertBumpsVersion(t *testing.T) {
	ctx := context.Background()
	listings := NewListingRepo(testPool(t))
	key := domain.ListingKey{SKU: "SKU-1", Platform: "ebay"}

	_, err := listings.Load(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	l := domain.Listing{Title: "Lamp", Price: 10, Supplier: "cj", Status: domain.ListingStatusActive}
	require.NoError(t, listings.Upsert(ctx, key, l))
	l.Price = 12
	require.NoError(t, listings.Upsert(ctx, key, l))

	got, err := listings.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 12.0, got.Price)
	assert.EqualValues(t, 2, got.Version)
}

func TestOrderRepo_FulfilledIsSticky(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderRepo(testPool(t))
	o := &domain.Order{OrderID: "O-1", Platform: "ebay", SKU: "A", Supplier: "cj", BuyerName: "B", BuyerAddress: "X"}
	require.NoError(t, orders.Upsert(ctx, o))
	require.NoError(t, orders.MarkFulfilled(ctx, "O-1", time.Now()))

	o.Status = domain.OrderStatusPending
	require.NoError(t, orders.Upsert(ctx, o))

	got, err := orders.Get(ctx, "O-1")
	require.NoError(t, err)
	assert.True(t, got.IsFulfilled())
	assert.NotNil(t, got.FulfilledAt)
}

func TestAccountRepo_UpsertDelete(t *testing.T) {
	ctx := context.Background()
	accounts := NewAccountRepo(testPool(t))
	a := &domain.Account{Email: "a@example.com", Platform: "ebay", Username: "a", CredentialsRef: "ebay:a@example.com", Status: domain.AccountStatusActive}

	require.NoError(t, accounts.Upsert(ctx, a))
	require.NoError(t, accounts.Upsert(ctx, a))

	got, err := accounts.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusActive, got.Status)

	require.NoError(t, accounts.Delete(ctx, "a@example.com"))
	require.NoError(t, accounts.Delete(ctx, "a@example.com"))
	_, err = accounts.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
