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

// OrderRepo — заказы. Ключ — order_id.
type OrderRepo struct {
	pool *pgxpool.Pool
}

// NewOrderRepo создаёт новый OrderRepo.
func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

// Upsert создаёт или обновляет заказ. Статус fulfilled не откатывается.
func (r *OrderRepo) Upsert(ctx context.Context, o *domain.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO orders (order_id, platform, sku, supplier, buyer_name, buyer_address,
		                    status, fulfilled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO UPDATE
		SET platform = EXCLUDED.platform,
		    sku = EXCLUDED.sku,
		    supplier = EXCLUDED.supplier,
		    buyer_name = EXCLUDED.buyer_name,
		    buyer_address = EXCLUDED.buyer_address,
		    status = CASE WHEN orders.status = 'fulfilled' THEN orders.status ELSE EXCLUDED.status END,
		    fulfilled_at = COALESCE(orders.fulfilled_at, EXCLUDED.fulfilled_at)
	`,
		o.OrderID,
		o.Platform,
		o.SKU,
		o.Supplier,
		o.BuyerName,
		o.BuyerAddress,
		o.Status,
		o.FulfilledAt,
		o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// Get возвращает заказ по ID.
func (r *OrderRepo) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `
		SELECT order_id, platform, sku, supplier, buyer_name, buyer_address,
		       status, fulfilled_at, created_at
		FROM orders
		WHERE order_id = $1
	`, orderID).Scan(
		&o.OrderID,
		&o.Platform,
		&o.SKU,
		&o.Supplier,
		&o.BuyerName,
		&o.BuyerAddress,
		&o.Status,
		&o.FulfilledAt,
		&o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return &o, nil
}

// MarkFulfilled переводит заказ в fulfilled. Повторный вызов не меняет
// fulfilled_at.
func (r *OrderRepo) MarkFulfilled(ctx context.Context, orderID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE orders
		SET status = 'fulfilled', fulfilled_at = COALESCE(fulfilled_at, $2)
		WHERE order_id = $1
	`, orderID, at)
	if err != nil {
		return fmt.Errorf("mark order fulfilled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
