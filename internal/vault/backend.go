package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]+$`)

// ValidateName проверяет имя записи: только [A-Za-z0-9._@-], без
// компонентов "." и "..". Имя не нормализуется.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !namePattern.MatchString(name) || name == "." || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Backend хранит зашифрованные записи по имени.
type Backend interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// FileBackend — одна запись на файл в корневом каталоге.
type FileBackend struct {
	root string
	mu   sync.RWMutex
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend создаёт backend в каталоге root.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: filepath.Clean(root)}
}

func (b *FileBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.pathFor(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(b.root, dirMode); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fmt.Errorf("write secret %q: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit secret %q: %w", name, err)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := b.pathFor(name)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("secret %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read secret %q: %w", name, err)
	}
	return data, nil
}

// Delete удаляет запись. Отсутствующая запись — не ошибка.
func (b *FileBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.pathFor(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	return nil
}

func (b *FileBackend) pathFor(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(b.root, name) + ".sec", nil
}
