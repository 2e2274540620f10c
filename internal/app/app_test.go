package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/worker"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, time.Minute, cfg.StepTimeout)
	assert.Equal(t, "@hourly", cfg.IdentityRefreshCron)
	assert.True(t, cfg.DBMigrate)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("VISIBILITY_TIMEOUT", "90s")
	t.Setenv("IDENTITY_RATE", "2.5")
	t.Setenv("IDENTITY_REFRESH_CRON", "*/15 * * * *")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.VisibilityTimeout)
	assert.InDelta(t, 2.5, cfg.IdentityRate, 0.001)
}

func TestFromEnv_CollectsAllErrors(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mysql")
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("STEP_TIMEOUT", "soon")
	t.Setenv("IDENTITY_REFRESH_CRON", "every hour")

	_, err := FromEnv()

	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, name := range []string{"STORE_DRIVER", "WORKER_CONCURRENCY", "STEP_TIMEOUT", "IDENTITY_REFRESH_CRON"} {
		assert.ErrorContains(t, err, name)
	}
}

const adaptersYAML = `
platforms:
  - name: shop
    base_url: http://127.0.0.1:1
    workflows:
      provision_account:
        - name: signup
          method: POST
          path: /signup
`

func memoryConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	adapters := filepath.Join(dir, "adapters.yaml")
	require.NoError(t, os.WriteFile(adapters, []byte(adaptersYAML), 0o600))
	identities := filepath.Join(dir, "proxies.txt")
	require.NoError(t, os.WriteFile(identities, []byte("10.0.0.1:8080\n10.0.0.2:8080\n"), 0o600))

	return Config{
		StoreDriver:       StoreMemory,
		RabbitMQURL:       MQDisabled,
		Concurrency:       2,
		VisibilityTimeout: time.Minute,
		StepTimeout:       time.Second,
		VaultDir:          filepath.Join(dir, "vault"),
		VaultKeyFile:      filepath.Join(dir, "vault.key"),
		IdentityFile:      identities,
		IdentityBurst:     1,
		AdaptersFile:      adapters,
	}
}

func TestOpen_MemoryMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := Open(context.Background(), memoryConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.MQ)
	assert.Len(t, a.Identities.Identities(), 2)
	require.NoError(t, a.Health(context.Background()))

	_, err = a.Submitter(nil).Submit(context.Background(), "mine_bitcoin", []byte(`{}`), 0)
	assert.ErrorIs(t, err, worker.ErrUnknownKind)

	id, err := a.Submitter(nil).Submit(context.Background(), domain.KindEraseAccount, []byte(`{"email":"a@example.com"}`), 0)
	require.NoError(t, err)

	pool := a.WorkerPool()
	processed, err := pool.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)

	task, err := a.Tasks.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSucceeded, task.Status)
}

func TestOpen_InvalidAdaptersFileFails(t *testing.T) {
	cfg := memoryConfig(t)
	require.NoError(t, os.WriteFile(cfg.AdaptersFile, []byte("platforms: [{name: ''}]"), 0o600))

	_, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, err)
}

func TestOpen_SyncCatalogFeedsFulfillFallback(t *testing.T) {
	supplier := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"products": [{"id": "SKU-7", "title": "Teapot", "price": 12.5}]}`)
	}))
	defer supplier.Close()

	cfg := memoryConfig(t)
	cfg.IdentityFile = ""
	doc := adaptersYAML + "suppliers:\n  - {name: acme, url: " + supplier.URL + ", margin: 2}\n"
	require.NoError(t, os.WriteFile(cfg.AdaptersFile, []byte(doc), 0o600))

	a, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()
	require.Len(t, a.Suppliers, 1)

	require.NoError(t, a.SyncCatalog(context.Background()))

	product, err := a.Catalog.Lookup(context.Background(), "acme", "SKU-7")
	require.NoError(t, err)
	assert.Equal(t, "Teapot", product.Title)
	assert.Equal(t, 25.0, product.Price)
}
