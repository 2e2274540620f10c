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

// ListingRepo — листинги; durable-уровень cache.Store листингов.
type ListingRepo struct {
	pool *pgxpool.Pool
}

// NewListingRepo создаёт новый ListingRepo.
func NewListingRepo(pool *pgxpool.Pool) *ListingRepo {
	return &ListingRepo{pool: pool}
}

// Load возвращает листинг по ключу.
func (r *ListingRepo) Load(ctx context.Context, key domain.ListingKey) (domain.Listing, error) {
	var l domain.Listing
	err := r.pool.QueryRow(ctx, `
		SELECT sku, platform, title, price, supplier, status, version, updated_at
		FROM listings
		WHERE sku = $1 AND platform = $2
	`, key.SKU, key.Platform).Scan(
		&l.SKU,
		&l.Platform,
		&l.Title,
		&l.Price,
		&l.Supplier,
		&l.Status,
		&l.Version,
		&l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Listing{}, ErrNotFound
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("load listing: %w", err)
	}
	return l, nil
}

// Upsert создаёт или обновляет листинг; version увеличивается на 1.
func (r *ListingRepo) Upsert(ctx context.Context, key domain.ListingKey, l domain.Listing) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO listings (sku, platform, title, price, supplier, status, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (sku, platform) DO UPDATE
		SET title = EXCLUDED.title,
		    price = EXCLUDED.price,
		    supplier = EXCLUDED.supplier,
		    status = EXCLUDED.status,
		    version = listings.version + 1,
		    updated_at = EXCLUDED.updated_at
	`,
		key.SKU,
		key.Platform,
		l.Title,
		l.Price,
		l.Supplier,
		l.Status,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// Delete удаляет листинг.
func (r *ListingRepo) Delete(ctx context.Context, key domain.ListingKey) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM listings WHERE sku = $1 AND platform = $2`, key.SKU, key.Platform); err != nil {
		return fmt.Errorf("delete listing: %w", err)
	}
	return nil
}
