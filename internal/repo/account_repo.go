package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// AccountRepo — аккаунты платформ. Ключ — email.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo создаёт новый AccountRepo.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Upsert создаёт или обновляет аккаунт. created_at сохраняется.
func (r *AccountRepo) Upsert(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (email, platform, username, credentials_ref, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE
		SET platform = EXCLUDED.platform,
		    username = EXCLUDED.username,
		    credentials_ref = EXCLUDED.credentials_ref,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`,
		account.Email,
		account.Platform,
		account.Username,
		account.CredentialsRef,
		account.Status,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// Get возвращает аккаунт по email.
func (r *AccountRepo) Get(ctx context.Context, email string) (*domain.Account, error) {
	var a domain.Account
	err := r.pool.QueryRow(ctx, `
		SELECT email, platform, username, credentials_ref, status, created_at, updated_at
		FROM accounts
		WHERE email = $1
	`, email).Scan(
		&a.Email,
		&a.Platform,
		&a.Username,
		&a.CredentialsRef,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// Delete удаляет аккаунт. Отсутствующий — не ошибка.
func (r *AccountRepo) Delete(ctx context.Context, email string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE email = $1`, email); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
