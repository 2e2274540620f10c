package repo

import (
	"github.com/NovaTayler/Humanitas/internal/domain"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = domain.ErrNotFound

	// ErrStaleDelivery — задача уже выдана другому воркеру.
	ErrStaleDelivery = domain.ErrStaleDelivery
)
