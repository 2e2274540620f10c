// Package vault хранит учётные данные аккаунтов в зашифрованном виде.
//
// Ключ шифрования создаётся один раз при первом запуске и затем только
// читается: повторная генерация сделала бы все записи нечитаемыми. В памяти
// процесса ключ лежит в memguard.Enclave и раскрывается только на время
// одной операции.
//
// Каждая запись шифруется XChaCha20-Poly1305 со случайным nonce; имя
// записи — associated data, поэтому файл, переименованный под чужое имя,
// не расшифруется.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize — размер ключа vault в байтах.
const KeySize = chacha20poly1305.KeySize

// Fields — поля одной записи (username, password, ...).
type Fields map[string]string

// Vault — зашифрованное хранилище секретов.
type Vault struct {
	backend Backend
	key     *memguard.Enclave
	logger  *slog.Logger
}

// Config — конфигурация Vault.
type Config struct {
	// KeyFile — путь к файлу ключа. Создаётся, если не существует.
	KeyFile string

	// Backend — хранилище записей (default: FileBackend в Dir).
	Backend Backend

	// Dir — каталог FileBackend, если Backend не задан.
	Dir string

	Logger *slog.Logger
}

// Open загружает (или однократно создаёт) ключ и открывает vault.
func Open(cfg Config) (*Vault, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyFile == "" {
		return nil, errors.New("vault key file is required")
	}

	backend := cfg.Backend
	if backend == nil {
		if cfg.Dir == "" {
			return nil, errors.New("vault dir or backend is required")
		}
		backend = NewFileBackend(cfg.Dir)
	}

	key, created, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Info("vault key created", "path", cfg.KeyFile)
	}

	return &Vault{
		backend: backend,
		key:     memguard.NewEnclave(key),
		logger:  logger,
	}, nil
}

// Store шифрует и сохраняет поля под именем name, заменяя прежнюю запись.
func (v *Vault) Store(ctx context.Context, name string, fields Fields) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode secret %q: %w", name, err)
	}
	defer memguard.WipeBytes(plaintext)

	sealed, err := v.seal(name, plaintext)
	if err != nil {
		return err
	}
	if err := v.backend.Put(ctx, name, sealed); err != nil {
		return err
	}

	v.logger.Debug("secret stored", "name", name)
	return nil
}

// Load возвращает поля записи или ErrNotFound.
func (v *Vault) Load(ctx context.Context, name string) (Fields, error) {
	sealed, err := v.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	plaintext, err := v.open(name, sealed)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(plaintext)

	var fields Fields
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCorrupt, name, err)
	}
	return fields, nil
}

// Erase удаляет запись. Повторный вызов — не ошибка.
func (v *Vault) Erase(ctx context.Context, name string) error {
	if err := v.backend.Delete(ctx, name); err != nil {
		return err
	}
	v.logger.Info("secret erased", "name", name)
	return nil
}

func (v *Vault) seal(name string, plaintext []byte) ([]byte, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open vault key: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func (v *Vault) open(name string, sealed []byte) ([]byte, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open vault key: %w", err)
	}
	defer buf.Destroy()

	aead, err := chacha20poly1305.NewX(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %q: too short", ErrCorrupt, name)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrCorrupt, name)
	}
	return plaintext, nil
}

// loadOrCreateKey читает ключ или создаёт его ровно один раз.
//
// Новый ключ пишется во временный файл и публикуется через os.Link:
// из нескольких конкурентных процессов выигрывает один, остальные читают
// его ключ.
func loadOrCreateKey(path string) (key []byte, created bool, err error) {
	key, err = readKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, false, fmt.Errorf("create key directory: %w", err)
	}

	fresh := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return nil, false, fmt.Errorf("generate vault key: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".vault-key-*")
	if err != nil {
		return nil, false, fmt.Errorf("create vault key: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return nil, false, fmt.Errorf("chmod vault key: %w", err)
	}
	if _, err := tmp.Write(fresh); err != nil {
		tmp.Close()
		return nil, false, fmt.Errorf("write vault key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, false, fmt.Errorf("sync vault key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, false, fmt.Errorf("close vault key: %w", err)
	}

	if err := os.Link(tmp.Name(), path); err != nil {
		memguard.WipeBytes(fresh)
		if errors.Is(err, os.ErrExist) {
			key, err = readKey(path)
			return key, false, err
		}
		return nil, false, fmt.Errorf("publish vault key: %w", err)
	}
	return fresh, true, nil
}

func readKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read vault key: %w", err)
	}
	if len(data) != KeySize {
		memguard.WipeBytes(data)
		return nil, fmt.Errorf("%w: %s: want %d bytes, got %d", ErrInvalidKey, path, KeySize, len(data))
	}
	return data, nil
}
