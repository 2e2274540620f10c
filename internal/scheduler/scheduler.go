package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

const defaultJobTimeout = 5 * time.Minute

// Job — периодическое задание.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error

	// Timeout — предел одного запуска (default: 5m).
	Timeout time.Duration
}

// Scheduler — обёртка над cron.Cron с контекстом и логированием.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
}

// Config — конфигурация Scheduler.
type Config struct {
	// Location — часовой пояс выражений (default: UTC).
	Location *time.Location

	Logger *slog.Logger
}

// New создаёт Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	s := &Scheduler{
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]Job),
	}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return s
}

// Add регистрирует задание.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("scheduler job needs a name and a run func")
	}
	if err := ValidateSpec(job.Spec); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs возвращает имена заданий.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow выполняет задание немедленно, вне расписания.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.execute(job)
}

// Run запускает расписание и блокируется до отмены ctx.
// Перед выходом дожидается выполняющихся заданий.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started", "jobs", s.Jobs())
	s.cron.Start()

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) execute(job Job) error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return err
	}
	s.logger.Debug("scheduled job completed", "job", job.Name, "duration", time.Since(start))
	return nil
}

// Refresher — identity.Pool.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// IdentityRefreshJob перечитывает набор identity из источника.
func IdentityRefreshJob(spec string, r Refresher) Job {
	return Job{
		Name:    "identity_refresh",
		Spec:    spec,
		Run:     r.Refresh,
		Timeout: time.Minute,
	}
}

// CatalogSyncer — app.App.
type CatalogSyncer interface {
	SyncCatalog(ctx context.Context) error
}

// CatalogSyncJob обновляет снимки каталогов поставщиков до истечения их TTL.
func CatalogSyncJob(spec string, s CatalogSyncer) Job {
	return Job{
		Name: "catalog_sync",
		Spec: spec,
		Run:  s.SyncCatalog,
	}
}

// StatusCounter — repo.TaskRepo, memstore.Queue.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// QueueReportJob логирует число задач по статусам.
func QueueReportJob(spec string, counter StatusCounter, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: "queue_report",
		Spec: spec,
		Run: func(ctx context.Context) error {
			counts, err := counter.CountByStatus(ctx)
			if err != nil {
				return fmt.Errorf("count tasks: %w", err)
			}
			logger.Info("task queue depth",
				"pending", counts[domain.TaskStatusPending],
				"running", counts[domain.TaskStatusRunning],
				"failed", counts[domain.TaskStatusFailed],
				"dead_letter", counts[domain.TaskStatusDeadLetter],
			)
			return nil
		},
	}
}
