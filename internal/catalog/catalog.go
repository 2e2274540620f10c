// Package catalog хранит снимки каталогов поставщиков в кэш-уровне.
//
// Снимок — резервный источник данных о товаре, когда листинга нет ни в
// кэше, ни в durable-хранилище. Снимки волатильны (TTL 1h) и не являются
// источником истины.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NovaTayler/Humanitas/internal/cache"
	"github.com/NovaTayler/Humanitas/internal/domain"
)

// DefaultTTL — время жизни снимка.
const DefaultTTL = time.Hour

// Catalog — снимки товаров по поставщикам.
type Catalog struct {
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// Config — конфигурация Catalog.
type Config struct {
	TTL    time.Duration
	Logger *slog.Logger
}

// New создаёт Catalog поверх кэша.
func New(c cache.Cache, cfg Config) *Catalog {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{cache: c, ttl: ttl, logger: logger}
}

func snapshotKey(supplier string) string {
	return "products:" + strings.ToLower(supplier)
}

// Save заменяет снимок поставщика.
func (c *Catalog) Save(ctx context.Context, supplier string, products []domain.Product) error {
	for i := range products {
		if products[i].Supplier == "" {
			products[i].Supplier = supplier
		}
	}
	raw, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("encode catalog %s: %w", supplier, err)
	}
	if err := c.cache.Set(ctx, snapshotKey(supplier), raw, c.ttl); err != nil {
		return fmt.Errorf("save catalog %s: %w", supplier, err)
	}
	c.logger.Debug("catalog snapshot saved", "supplier", supplier, "products", len(products))
	return nil
}

// Products возвращает весь снимок поставщика.
func (c *Catalog) Products(ctx context.Context, supplier string) ([]domain.Product, error) {
	raw, err := c.cache.Get(ctx, snapshotKey(supplier))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("read catalog %s: %w", supplier, err)
	}
	var products []domain.Product
	if err := json.Unmarshal(raw, &products); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", supplier, err)
	}
	return products, nil
}

// Lookup ищет товар в снимке. Нет снимка или товара — domain.ErrNotFound.
func (c *Catalog) Lookup(ctx context.Context, supplier, sku string) (domain.Product, error) {
	products, err := c.Products(ctx, supplier)
	if err != nil {
		return domain.Product{}, err
	}
	for _, p := range products {
		if p.SKU == sku {
			return p, nil
		}
	}
	return domain.Product{}, domain.ErrNotFound
}

// Source — каталог одного поставщика (httpflow.Supplier).
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.Product, error)
}

// Sync обновляет снимки всех источников.
//
// Сбой одного поставщика не мешает остальным; прежний снимок
// остаётся до истечения TTL. Возвращает все ошибки вместе.
func (c *Catalog) Sync(ctx context.Context, sources ...Source) error {
	var errs []error
	for _, source := range sources {
		products, err := source.Fetch(ctx)
		if err != nil {
			c.logger.Warn("catalog fetch failed", "supplier", source.Name(), "error", err)
			errs = append(errs, fmt.Errorf("fetch catalog %s: %w", source.Name(), err))
			continue
		}
		if err := c.Save(ctx, source.Name(), products); err != nil {
			errs = append(errs, err)
			continue
		}
		c.logger.Info("catalog synced", "supplier", source.Name(), "products", len(products))
	}
	return errors.Join(errs...)
}
