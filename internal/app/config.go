// Package app собирает компоненты Humanitas по конфигурации из окружения.
//
// Используется бинарями cmd/humanitas-api и cmd/humanitas-worker.
package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NovaTayler/Humanitas/internal/repo"
	"github.com/NovaTayler/Humanitas/internal/scheduler"
)

// Драйверы durable-уровня.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// MQDisabled — значение RABBITMQ_URL, отключающее RabbitMQ.
const MQDisabled = "none"

// ErrInvalidConfig — некорректная переменная окружения.
var ErrInvalidConfig = errors.New("invalid config")

// Config — конфигурация процесса.
type Config struct {
	StoreDriver string
	DBURL       string
	DBMigrate   bool
	RabbitMQURL string

	APIPort    string
	WorkerPort string

	Concurrency       int
	VisibilityTimeout time.Duration
	TaskTimeout       time.Duration
	StepTimeout       time.Duration
	StepMaxAttempts   int

	VaultDir     string
	VaultKeyFile string
	CacheDir     string

	IdentityFile        string
	IdentityURL         string
	IdentityRefreshCron string
	IdentityRate        float64
	IdentityBurst       int

	QueueReportCron string
	CatalogSyncCron string
	AdaptersFile    string
}

// FromEnv читает конфигурацию из переменных окружения.
func FromEnv() (Config, error) {
	cfg := Config{
		StoreDriver:         strings.ToLower(envString("STORE_DRIVER", StorePostgres)),
		DBURL:               envString("DB_URL", repo.DefaultDSN),
		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		APIPort:             envString("API_PORT", "8080"),
		WorkerPort:          envString("WORKER_PORT", "8082"),
		VaultDir:            envString("VAULT_DIR", "data/vault"),
		VaultKeyFile:        envString("VAULT_KEY_FILE", "data/vault.key"),
		CacheDir:            os.Getenv("CACHE_DIR"),
		IdentityFile:        os.Getenv("IDENTITY_FILE"),
		IdentityURL:         os.Getenv("IDENTITY_URL"),
		IdentityRefreshCron: envString("IDENTITY_REFRESH_CRON", "@hourly"),
		QueueReportCron:     envString("QUEUE_REPORT_CRON", "@every 1m"),
		CatalogSyncCron:     envString("CATALOG_SYNC_CRON", "@every 30m"),
		AdaptersFile:        os.Getenv("ADAPTERS_FILE"),
	}

	var errs []error
	cfg.DBMigrate = envBool("DB_MIGRATE", true, &errs)
	cfg.Concurrency = envInt("WORKER_CONCURRENCY", 4, &errs)
	cfg.VisibilityTimeout = envDuration("VISIBILITY_TIMEOUT", 5*time.Minute, &errs)
	cfg.TaskTimeout = envDuration("TASK_TIMEOUT", 0, &errs)
	cfg.StepTimeout = envDuration("STEP_TIMEOUT", time.Minute, &errs)
	cfg.StepMaxAttempts = envInt("STEP_MAX_ATTEMPTS", 0, &errs)
	cfg.IdentityRate = envFloat("IDENTITY_RATE", 0, &errs)
	cfg.IdentityBurst = envInt("IDENTITY_BURST", 1, &errs)

	if cfg.StoreDriver != StorePostgres && cfg.StoreDriver != StoreMemory {
		errs = append(errs, fmt.Errorf("%w: STORE_DRIVER %q", ErrInvalidConfig, cfg.StoreDriver))
	}
	if cfg.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("%w: WORKER_CONCURRENCY must be positive", ErrInvalidConfig))
	}
	for name, spec := range map[string]string{
		"IDENTITY_REFRESH_CRON": cfg.IdentityRefreshCron,
		"QUEUE_REPORT_CRON":     cfg.QueueReportCron,
		"CATALOG_SYNC_CRON":     cfg.CatalogSyncCron,
	} {
		if err := scheduler.ValidateSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err))
		}
	}

	return cfg, errors.Join(errs...)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return def
	}
	return f
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err))
		return def
	}
	return d
}
