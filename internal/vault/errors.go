package vault

import (
	"errors"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

var (
	// ErrNotFound — записи с таким именем нет.
	ErrNotFound = domain.ErrNotFound

	// ErrInvalidName — пустое имя или попытка выйти за каталог vault.
	ErrInvalidName = errors.New("invalid secret name")

	// ErrCorrupt — запись не расшифровывается текущим ключом
	// (повреждена, подменена или зашифрована другим ключом).
	ErrCorrupt = errors.New("secret entry corrupt")

	// ErrInvalidKey — файл ключа имеет неверный размер.
	ErrInvalidKey = errors.New("invalid vault key")
)
