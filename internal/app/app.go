package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NovaTayler/Humanitas/internal/adapter/httpflow"
	"github.com/NovaTayler/Humanitas/internal/cache"
	"github.com/NovaTayler/Humanitas/internal/catalog"
	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/identity"
	"github.com/NovaTayler/Humanitas/internal/memstore"
	"github.com/NovaTayler/Humanitas/internal/mq"
	"github.com/NovaTayler/Humanitas/internal/repo"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/telemetry"
	"github.com/NovaTayler/Humanitas/internal/vault"
	"github.com/NovaTayler/Humanitas/internal/verify"
	"github.com/NovaTayler/Humanitas/internal/worker"
	"github.com/NovaTayler/Humanitas/internal/workflow"
)

// TaskStore — очередь задач со счётчиком по статусам.
type TaskStore interface {
	worker.Queue
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// App — собранные компоненты процесса.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	Tasks      TaskStore
	Accounts   workflow.AccountStore
	Orders     workflow.OrderStore
	Listings   *cache.Store[domain.ListingKey, domain.Listing]
	Cache      *cache.BadgerCache
	Catalog    *catalog.Catalog
	Suppliers  []catalog.Source
	Vault      *vault.Vault
	Identities *identity.Pool
	Handlers   *workflow.Handlers

	// MQ и Publisher — nil, если RabbitMQ недоступен или выключен.
	MQ        *mq.Connection
	Publisher *mq.Publisher

	db      *pgxpool.Pool
	closers []func() error
}

// Open подключает хранилища и собирает компоненты.
// При ошибке уже открытые ресурсы закрываются.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: telemetry.NewMetrics()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	listings, err := a.openDurable(ctx)
	if err != nil {
		return nil, err
	}

	a.Cache, err = cache.OpenBadger(cache.BadgerConfig{Dir: cfg.CacheDir, Logger: logger})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Cache.Close)
	a.Listings = cache.NewStore(a.Cache, listings, cache.Config{Observer: a.Metrics, Logger: logger})
	a.Catalog = catalog.New(a.Cache, catalog.Config{Logger: logger})

	a.Vault, err = vault.Open(vault.Config{KeyFile: cfg.VaultKeyFile, Dir: cfg.VaultDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	a.Identities = identity.New(identity.Config{
		Source:        identitySource(cfg),
		RatePerSecond: cfg.IdentityRate,
		Burst:         cfg.IdentityBurst,
		Logger:        logger,
	})
	if err := a.Identities.Refresh(ctx); err != nil {
		logger.Warn("initial identity load failed, starting with direct connection", "error", err)
	}

	def, err := loadAdapters(cfg.AdaptersFile, logger)
	if err != nil {
		return nil, err
	}
	var adapters []workflow.Adapter
	if def != nil {
		adapters = httpflow.New(def, logger)
		for _, s := range httpflow.NewSuppliers(def, a.Identities, logger) {
			a.Suppliers = append(a.Suppliers, s)
		}
	}

	policy := retry.DefaultPolicy("step")
	if cfg.StepMaxAttempts > 0 {
		policy.MaxAttempts = cfg.StepMaxAttempts
	}
	policy.Observer = a.Metrics
	policy.Logger = logger

	orchestrator := workflow.NewOrchestrator(workflow.Config{
		Adapters:    workflow.NewRegistry(adapters...),
		Identities:  a.Identities,
		Poller:      verify.New(verify.Config{Observer: a.Metrics, Logger: logger}),
		StepPolicy:  policy,
		StepTimeout: cfg.StepTimeout,
		Logger:      logger,
	})
	a.Handlers = workflow.NewHandlers(workflow.HandlersConfig{
		Orchestrator: orchestrator,
		Accounts:     a.Accounts,
		Credentials:  a.Vault,
		Listings:     a.Listings,
		Orders:       a.Orders,
		Catalog:      a.Catalog,
		Sessions:     a.Identities,
		Logger:       logger,
	})

	a.openMQ(ctx)
	return a, nil
}

func (a *App) openDurable(ctx context.Context) (cache.Durable[domain.ListingKey, domain.Listing], error) {
	var listings cache.Durable[domain.ListingKey, domain.Listing]

	switch a.Config.StoreDriver {
	case StoreMemory:
		a.Logger.Warn("using in-memory store, data is lost on restart")
		a.Tasks = memstore.NewQueue()
		a.Accounts = memstore.NewAccounts()
		a.Orders = memstore.NewOrders()
		listings = memstore.NewListings()

	default:
		if a.Config.DBMigrate {
			if err := repo.Migrate(a.Config.DBURL, a.Logger); err != nil {
				return nil, err
			}
		}
		pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: a.Config.DBURL, MaxConns: int32(a.Config.Concurrency + 4)})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.db = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.Tasks = repo.NewTaskRepo(pool)
		a.Accounts = repo.NewAccountRepo(pool)
		a.Orders = repo.NewOrderRepo(pool)
		listings = repo.NewListingRepo(pool)
		a.Logger.Info("database connected")
	}

	return listings, nil
}

func (a *App) openMQ(ctx context.Context) {
	if a.Config.RabbitMQURL == MQDisabled {
		a.Logger.Info("RabbitMQ disabled, workers poll the queue")
		return
	}
	conn, err := mq.NewConnection(a.Config.RabbitMQURL, a.Logger)
	if err != nil {
		a.Logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return
	}
	if err := mq.SetupTopology(ctx, conn); err != nil {
		a.Logger.Warn("failed to setup topology", "error", err)
	}
	a.MQ = conn
	a.Publisher = mq.NewPublisher(conn, a.Logger)
	a.closers = append(a.closers, conn.Close)
	a.Logger.Info("RabbitMQ connected")
}

// Submitter создаёт точку постановки задач.
// pool — пул этого же процесса, если он есть; Submit будит его сразу.
func (a *App) Submitter(pool *worker.Pool) *worker.Submitter {
	cfg := worker.SubmitterConfig{
		Queue:   a.Tasks,
		Kinds:   workflow.Kinds(),
		Metrics: a.Metrics,
		Logger:  a.Logger,
	}
	if a.Publisher != nil {
		cfg.Publisher = a.Publisher
	}
	if pool != nil {
		cfg.Waker = pool
	}
	return worker.NewSubmitter(cfg)
}

// WorkerPool создаёт пул воркеров с зарегистрированными обработчиками.
func (a *App) WorkerPool() *worker.Pool {
	registry := worker.NewRegistry()
	a.Handlers.Register(registry)

	cfg := worker.Config{
		Queue:       a.Tasks,
		Registry:    registry,
		Concurrency: a.Config.Concurrency,
		Visibility:  a.Config.VisibilityTimeout,
		TaskTimeout: a.Config.TaskTimeout,
		Conn:        a.MQ,
		Metrics:     a.Metrics,
		Logger:      a.Logger,
	}
	if a.Publisher != nil {
		cfg.DeadLetters = a.Publisher
	}
	return worker.New(cfg)
}

// Health проверяет durable-уровень. RabbitMQ не обязателен.
func (a *App) Health(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Close освобождает ресурсы в обратном порядке открытия.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func identitySource(cfg Config) identity.Source {
	switch {
	case cfg.IdentityURL != "":
		return identity.HTTPSource{URL: cfg.IdentityURL}
	case cfg.IdentityFile != "":
		return identity.FileSource{Path: cfg.IdentityFile}
	}
	return nil
}

func loadAdapters(path string, logger *slog.Logger) (*httpflow.Definition, error) {
	if path == "" {
		logger.Warn("ADAPTERS_FILE not set, no platforms registered")
		return nil, nil
	}
	def, err := httpflow.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("platform adapters loaded", "path", path,
		"platforms", len(def.Platforms),
		"suppliers", len(def.Suppliers),
	)
	return def, nil
}

// SyncCatalog обновляет снимки каталогов всех поставщиков.
func (a *App) SyncCatalog(ctx context.Context) error {
	return a.Catalog.Sync(ctx, a.Suppliers...)
}
