package cache

import (
	"errors"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

var (
	// ErrNotFound — ключа нет ни в кэше, ни в durable-хранилище.
	ErrNotFound = domain.ErrNotFound

	// ErrCacheInconsistent — запись в durable прошла, но кэш не удалось
	// ни обновить, ни очистить: в кэше может остаться старое значение.
	ErrCacheInconsistent = errors.New("cache inconsistent with durable store")
)
