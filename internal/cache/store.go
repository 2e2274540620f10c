// Package cache реализует cache-aside поверх быстрого волатильного кэша
// и durable-хранилища (system of record).
//
// Durable-хранилище — источник истины. Кэш может потерять любую запись
// в любой момент; после успешного Put чтение никогда не вернёт значение
// старше записанного.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL — TTL записи, восстановленной из durable при промахе.
const DefaultTTL = 10 * time.Minute

// loadTimeout ограничивает общую загрузку из durable: она не зависит от
// контекста отдельного вызывающего.
const loadTimeout = 30 * time.Second

// Cache — волатильный уровень: байты по строковому ключу с TTL.
// Промах — ErrNotFound.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Durable — system of record. Upsert атомарен по натуральному ключу.
// Load возвращает ErrNotFound, если записи нет.
type Durable[K any, V any] interface {
	Load(ctx context.Context, key K) (V, error)
	Upsert(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
}

// Observer получает результаты обращений к уровням.
// tier: "cache" | "durable"; result: "hit" | "miss" | "error".
type Observer interface {
	CacheLookup(tier, result string)
}

// Store — cache-aside хранилище значений V по ключу K.
type Store[K fmt.Stringer, V any] struct {
	cache      Cache
	durable    Durable[K, V]
	defaultTTL time.Duration
	observer   Observer
	logger     *slog.Logger

	loads singleflight.Group

	// writes — счётчик записей по ключу. Put и Delete увеличивают его до
	// и после изменения durable; repopulate пишет в кэш только при
	// неизменном счётчике. Запись в кэш из Put/Delete и из repopulate
	// идёт под mu.
	mu     sync.Mutex
	writes map[string]uint64
}

// Config — конфигурация Store.
type Config struct {
	// DefaultTTL — TTL при восстановлении из durable (default: 10m).
	DefaultTTL time.Duration

	Observer Observer
	Logger   *slog.Logger
}

// NewStore создаёт Store.
func NewStore[K fmt.Stringer, V any](c Cache, d Durable[K, V], cfg Config) *Store[K, V] {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store[K, V]{
		cache:      c,
		durable:    d,
		defaultTTL: ttl,
		observer:   cfg.Observer,
		logger:     logger,
		writes:     make(map[string]uint64),
	}
}

// Get читает значение: сначала кэш, при промахе — durable с
// восстановлением кэша. Ошибка кэша трактуется как промах.
//
// Конкурентные промахи по одному ключу выполняют один Load.
func (s *Store[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	cacheKey := key.String()

	raw, err := s.cache.Get(ctx, cacheKey)
	switch {
	case err == nil:
		var value V
		decodeErr := json.Unmarshal(raw, &value)
		if decodeErr == nil {
			s.observe("cache", "hit")
			return value, nil
		}
		s.logger.Warn("cache entry undecodable, reloading", "key", cacheKey, "error", decodeErr)
		s.observe("cache", "error")
	case errors.Is(err, ErrNotFound):
		s.observe("cache", "miss")
	default:
		s.logger.Warn("cache read failed, falling back to durable", "key", cacheKey, "error", err)
		s.observe("cache", "error")
	}

	loaded, err, _ := s.loads.Do(cacheKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		gen := s.generation(cacheKey)
		value, err := s.durable.Load(loadCtx, key)
		if err != nil {
			return nil, err
		}
		s.repopulate(loadCtx, cacheKey, value, gen)
		return value, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observe("durable", "miss")
			return zero, ErrNotFound
		}
		s.observe("durable", "error")
		return zero, fmt.Errorf("load %s: %w", cacheKey, err)
	}

	s.observe("durable", "hit")
	return loaded.(V), nil
}

// Put записывает значение: durable, затем кэш.
//
// Если кэш не принял запись, ключ из кэша удаляется, чтобы следующий
// Get прочитал durable. Если не удалось и это — ErrCacheInconsistent.
func (s *Store[K, V]) Put(ctx context.Context, key K, value V, ttl time.Duration) error {
	cacheKey := key.String()
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.bump(cacheKey)
	if err := s.durable.Upsert(ctx, key, value); err != nil {
		return fmt.Errorf("upsert %s: %w", cacheKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[cacheKey]++

	raw, err := json.Marshal(value)
	if err == nil {
		err = s.cache.Set(ctx, cacheKey, raw, ttl)
	}
	if err == nil {
		return nil
	}

	s.logger.Warn("cache write failed, invalidating", "key", cacheKey, "error", err)
	if delErr := s.cache.Delete(ctx, cacheKey); delErr != nil {
		s.logger.Error("cache invalidation failed", "key", cacheKey, "error", delErr)
		return fmt.Errorf("%w: %s: %v", ErrCacheInconsistent, cacheKey, delErr)
	}
	return nil
}

// Delete удаляет значение из durable и кэша.
func (s *Store[K, V]) Delete(ctx context.Context, key K) error {
	cacheKey := key.String()
	s.bump(cacheKey)
	if err := s.durable.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete %s: %w", cacheKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[cacheKey]++
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCacheInconsistent, cacheKey, err)
	}
	return nil
}

// Invalidate удаляет только запись кэша.
func (s *Store[K, V]) Invalidate(ctx context.Context, key K) error {
	return s.cache.Delete(ctx, key.String())
}

// repopulate кладёт загруженное значение в кэш, если после начала
// загрузки по ключу не было записи.
func (s *Store[K, V]) repopulate(ctx context.Context, cacheKey string, value V, gen uint64) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("cache encode failed", "key", cacheKey, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes[cacheKey] != gen {
		return
	}
	if err := s.cache.Set(ctx, cacheKey, raw, s.defaultTTL); err != nil {
		s.logger.Warn("cache repopulate failed", "key", cacheKey, "error", err)
	}
}

func (s *Store[K, V]) generation(cacheKey string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[cacheKey]
}

func (s *Store[K, V]) bump(cacheKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[cacheKey]++
}

func (s *Store[K, V]) observe(tier, result string) {
	if s.observer != nil {
		s.observer.CacheLookup(tier, result)
	}
}
