package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig — конфигурация BadgerCache.
type BadgerConfig struct {
	// Dir — каталог данных. Пустой — кэш в памяти.
	Dir string

	// GCInterval — период сборки value log (только на диске; default: 5m).
	GCInterval time.Duration

	Logger *slog.Logger
}

// BadgerCache — Cache на Badger. TTL выставляется на каждую запись.
type BadgerCache struct {
	db     *badger.DB
	logger *slog.Logger

	stop chan struct{}
	done chan struct{}
}

var _ Cache = (*BadgerCache)(nil)

// OpenBadger открывает кэш.
func OpenBadger(cfg BadgerConfig) (*BadgerCache, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.Dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(false)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	c := &BadgerCache{db: db, logger: logger}

	if cfg.Dir != "" {
		interval := cfg.GCInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.runGC(interval)
	}

	return c, nil
}

// Get возвращает значение или ErrNotFound (нет ключа или истёк TTL).
func (c *BadgerCache) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

// Set записывает значение с TTL. ttl <= 0 — без срока.
func (c *BadgerCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// Delete удаляет ключ. Отсутствующий ключ — не ошибка.
func (c *BadgerCache) Delete(_ context.Context, key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// Clear удаляет все записи (эмуляция потери кэша).
func (c *BadgerCache) Clear() error {
	return c.db.DropAll()
}

// Close останавливает GC и закрывает базу.
func (c *BadgerCache) Close() error {
	if c.stop != nil {
		close(c.stop)
		<-c.done
	}
	return c.db.Close()
}

func (c *BadgerCache) runGC(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Warn("cache value log gc failed", "error", err)
			}
		}
	}
}

// badgerLogger направляет внутренние сообщения Badger в slog.
// Info уходит в Debug: Badger слишком разговорчив.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
