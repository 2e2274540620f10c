package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/telemetry"
	"github.com/NovaTayler/Humanitas/internal/vault"
	"github.com/NovaTayler/Humanitas/internal/worker"
)

// AccountStore — durable-таблица accounts (repo.AccountRepo, memstore.Accounts).
type AccountStore interface {
	Upsert(ctx context.Context, account *domain.Account) error
	Get(ctx context.Context, email string) (*domain.Account, error)
	Delete(ctx context.Context, email string) error
}

// CredentialStore — хранилище секретов (vault.Vault).
type CredentialStore interface {
	Store(ctx context.Context, name string, fields vault.Fields) error
	Erase(ctx context.Context, name string) error
}

// ListingStore — листинги через cache-aside (cache.Store[domain.ListingKey, domain.Listing]).
type ListingStore interface {
	Get(ctx context.Context, key domain.ListingKey) (domain.Listing, error)
	Put(ctx context.Context, key domain.ListingKey, listing domain.Listing, ttl time.Duration) error
}

// OrderStore — durable-таблица orders (repo.OrderRepo, memstore.Orders).
type OrderStore interface {
	Upsert(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	MarkFulfilled(ctx context.Context, orderID string, at time.Time) error
}

// ProductCatalog — снимки каталогов поставщиков (catalog.Catalog).
type ProductCatalog interface {
	Lookup(ctx context.Context, supplier, sku string) (domain.Product, error)
}

// SessionReleaser освобождает sticky-сессию (identity.Pool).
type SessionReleaser interface {
	Release(sessionKey string)
}

// ProvisionAccountInput — payload provision_account.
type ProvisionAccountInput struct {
	Platform string            `json:"platform" validate:"required"`
	Email    string            `json:"email" validate:"required,email,excludesall=/"`
	Username string            `json:"username" validate:"required"`
	Password string            `json:"password" validate:"required,min=8"`
	Profile  map[string]string `json:"profile,omitempty"`
}

// ListProductInput — payload list_product.
type ListProductInput struct {
	Platform string         `json:"platform" validate:"required"`
	Account  string         `json:"account,omitempty" validate:"omitempty,email"`
	Product  domain.Product `json:"product"`
}

// FulfillOrderInput — payload fulfill_order.
type FulfillOrderInput struct {
	OrderID      string `json:"order_id" validate:"required"`
	Platform     string `json:"platform" validate:"required"`
	SKU          string `json:"sku" validate:"required"`
	Supplier     string `json:"supplier" validate:"required"`
	BuyerName    string `json:"buyer_name" validate:"required"`
	BuyerAddress string `json:"buyer_address" validate:"required"`
	Account      string `json:"account,omitempty" validate:"omitempty,email"`
}

// EraseAccountInput — payload erase_account.
type EraseAccountInput struct {
	Email string `json:"email" validate:"required,email"`
}

func (in *ProvisionAccountInput) normalize() { in.Email = domain.NormalizeEmail(in.Email) }
func (in *ListProductInput) normalize()      { in.Account = domain.NormalizeEmail(in.Account) }
func (in *FulfillOrderInput) normalize()     { in.Account = domain.NormalizeEmail(in.Account) }
func (in *EraseAccountInput) normalize()     { in.Email = domain.NormalizeEmail(in.Email) }

// Handlers — обработчики задач для worker.Registry.
type Handlers struct {
	orchestrator *Orchestrator
	accounts     AccountStore
	credentials  CredentialStore
	listings     ListingStore
	orders       OrderStore
	catalog      ProductCatalog
	sessions     SessionReleaser
	validate     *validator.Validate
	logger       *slog.Logger
	now          func() time.Time
}

// HandlersConfig — зависимости обработчиков.
type HandlersConfig struct {
	Orchestrator *Orchestrator
	Accounts     AccountStore
	Credentials  CredentialStore
	Listings     ListingStore
	Orders       OrderStore

	// Catalog — запасной источник листинга для fulfill_order (опционально).
	Catalog ProductCatalog

	// Sessions — освобождение сессий при erase_account (опционально).
	Sessions SessionReleaser

	Logger *slog.Logger
}

// NewHandlers создаёт обработчики.
func NewHandlers(cfg HandlersConfig) *Handlers {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		orchestrator: cfg.Orchestrator,
		accounts:     cfg.Accounts,
		credentials:  cfg.Credentials,
		listings:     cfg.Listings,
		orders:       cfg.Orders,
		catalog:      cfg.Catalog,
		sessions:     cfg.Sessions,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger,
		now:          time.Now,
	}
}

// Register регистрирует все обработчики.
func (h *Handlers) Register(r *worker.Registry) {
	r.Register(KindProvisionAccount, worker.HandlerFunc(h.ProvisionAccount))
	r.Register(KindListProduct, worker.HandlerFunc(h.ListProduct))
	r.Register(KindFulfillOrder, worker.HandlerFunc(h.FulfillOrder))
	r.Register(KindEraseAccount, worker.HandlerFunc(h.EraseAccount))
}

// SessionKey — ключ sticky-сессии аккаунта на платформе.
func SessionKey(platform, subject string) string {
	return strings.ToLower(platform) + ":" + strings.ToLower(subject)
}

// CredentialsRef — имя записи vault для аккаунта.
func CredentialsRef(platform, email string) string {
	return "account." + strings.ToLower(platform) + "." + strings.ToLower(email)
}

// ProvisionAccount регистрирует аккаунт на платформе.
// Уже активный аккаунт повторно не создаётся.
func (h *Handlers) ProvisionAccount(ctx context.Context, task *domain.Task) error {
	in, err := decode[ProvisionAccountInput](h.validate, task)
	if err != nil {
		return err
	}
	logger := h.taskLogger(task)

	existing, err := h.accounts.Get(ctx, in.Email)
	switch {
	case err == nil && existing.Status == domain.AccountStatusActive:
		logger.Info("account already provisioned", "email", in.Email)
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("load account: %w", err)
	}

	inputs := map[string]any{
		"platform": in.Platform,
		"email":    in.Email,
		"username": in.Username,
		"password": in.Password,
		"profile":  in.Profile,
	}

	_, err = h.orchestrator.Run(ctx, Request{
		Kind:       KindProvisionAccount,
		Platform:   in.Platform,
		SessionKey: SessionKey(in.Platform, in.Email),
		Inputs:     inputs,
		Persist: func(ctx context.Context, exec *Execution) error {
			ref := CredentialsRef(in.Platform, in.Email)
			fields := vault.Fields{
				"email":    in.Email,
				"username": in.Username,
				"password": in.Password,
			}
			for step, values := range exec.Session.Steps {
				for name, value := range values {
					fields[step+"."+name] = value
				}
			}
			if err := h.credentials.Store(ctx, ref, fields); err != nil {
				return fmt.Errorf("store credentials: %w", err)
			}

			now := h.now().UTC()
			return h.accounts.Upsert(ctx, &domain.Account{
				Email:          in.Email,
				Platform:       in.Platform,
				Username:       in.Username,
				CredentialsRef: ref,
				Status:         domain.AccountStatusActive,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		},
	})
	return err
}

// ListProduct выставляет товар на платформе.
// Листинг с теми же полями повторно не выставляется.
func (h *Handlers) ListProduct(ctx context.Context, task *domain.Task) error {
	in, err := decode[ListProductInput](h.validate, task)
	if err != nil {
		return err
	}
	logger := h.taskLogger(task)

	key := domain.ListingKey{SKU: in.Product.SKU, Platform: in.Platform}
	want := in.Product.ToListing(in.Platform)

	current, err := h.listings.Get(ctx, key)
	switch {
	case err == nil && sameListing(&current, want):
		logger.Info("listing already active", "sku", key.SKU)
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("load listing: %w", err)
	}

	subject := in.Account
	if subject == "" {
		subject = "sku:" + in.Product.SKU
	}
	sessionKey := SessionKey(in.Platform, subject)
	if in.Account == "" {
		defer h.release(sessionKey)
	}

	_, err = h.orchestrator.Run(ctx, Request{
		Kind:       KindListProduct,
		Platform:   in.Platform,
		SessionKey: sessionKey,
		Inputs: map[string]any{
			"platform": in.Platform,
			"account":  in.Account,
			"sku":      in.Product.SKU,
			"title":    in.Product.Title,
			"price":    in.Product.Price,
			"quantity": in.Product.Quantity,
			"supplier": in.Product.Supplier,
			"url":      in.Product.URL,
		},
		Persist: func(ctx context.Context, _ *Execution) error {
			want.UpdatedAt = h.now().UTC()
			return h.listings.Put(ctx, key, *want, 0)
		},
	})
	return err
}

// FulfillOrder исполняет заказ у поставщика.
func (h *Handlers) FulfillOrder(ctx context.Context, task *domain.Task) error {
	in, err := decode[FulfillOrderInput](h.validate, task)
	if err != nil {
		return err
	}
	logger := h.taskLogger(task)

	order, err := h.orders.Get(ctx, in.OrderID)
	switch {
	case err == nil && order.IsFulfilled():
		logger.Info("order already fulfilled", "order_id", in.OrderID)
		return nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("load order: %w", err)
	}

	if err := h.orders.Upsert(ctx, &domain.Order{
		OrderID:      in.OrderID,
		Platform:     in.Platform,
		SKU:          in.SKU,
		Supplier:     in.Supplier,
		BuyerName:    in.BuyerName,
		BuyerAddress: in.BuyerAddress,
		Status:       domain.OrderStatusPending,
		CreatedAt:    h.now().UTC(),
	}); err != nil {
		return fmt.Errorf("record order: %w", err)
	}

	listing, err := h.resolveListing(ctx, in, logger)
	if err != nil {
		return err
	}

	subject := in.Account
	if subject == "" {
		subject = "order:" + in.OrderID
	}
	sessionKey := SessionKey(in.Platform, subject)
	if in.Account == "" {
		defer h.release(sessionKey)
	}

	_, err = h.orchestrator.Run(ctx, Request{
		Kind:       KindFulfillOrder,
		Platform:   in.Platform,
		SessionKey: sessionKey,
		Inputs: map[string]any{
			"order_id":      in.OrderID,
			"platform":      in.Platform,
			"sku":           in.SKU,
			"supplier":      in.Supplier,
			"buyer_name":    in.BuyerName,
			"buyer_address": in.BuyerAddress,
			"title":         listing.Title,
			"price":         listing.Price,
		},
		Persist: func(ctx context.Context, _ *Execution) error {
			return h.orders.MarkFulfilled(ctx, in.OrderID, h.now().UTC())
		},
	})
	return err
}

// resolveListing: cache-aside Get, при NotFound — снимок каталога поставщика,
// который сначала сохраняется в durable-слой.
func (h *Handlers) resolveListing(ctx context.Context, in FulfillOrderInput, logger *slog.Logger) (domain.Listing, error) {
	key := domain.ListingKey{SKU: in.SKU, Platform: in.Platform}

	listing, err := h.listings.Get(ctx, key)
	if err == nil {
		return listing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Listing{}, fmt.Errorf("load listing: %w", err)
	}

	if h.catalog == nil {
		return domain.Listing{}, retry.Fatal(fmt.Errorf("%w: %s", ErrListingUnavailable, key))
	}
	product, err := h.catalog.Lookup(ctx, in.Supplier, in.SKU)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Listing{}, retry.Fatal(fmt.Errorf("%w: %s", ErrListingUnavailable, key))
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("lookup catalog: %w", err)
	}

	restored := product.ToListing(in.Platform)
	restored.UpdatedAt = h.now().UTC()
	if err := h.listings.Put(ctx, key, *restored, 0); err != nil {
		return domain.Listing{}, fmt.Errorf("restore listing: %w", err)
	}
	logger.Info("listing restored from supplier catalog", "sku", in.SKU, "supplier", in.Supplier)
	return *restored, nil
}

// EraseAccount — обработчик erase_account.
func (h *Handlers) EraseAccount(ctx context.Context, task *domain.Task) error {
	in, err := decode[EraseAccountInput](h.validate, task)
	if err != nil {
		return err
	}
	return h.Erase(ctx, in.Email)
}

// Erase удаляет все данные аккаунта: секреты, строку accounts и сессию.
// Отсутствующий аккаунт — не ошибка. Регистр email не важен.
func (h *Handlers) Erase(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	account, err := h.accounts.Get(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		h.logger.Info("account already erased", "email", email)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	// vault раньше строки: при сбое повтор снова найдёт ссылку
	if account.CredentialsRef != "" {
		if err := h.credentials.Erase(ctx, account.CredentialsRef); err != nil {
			return fmt.Errorf("erase credentials: %w", err)
		}
	}
	if err := h.accounts.Delete(ctx, email); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete account: %w", err)
	}
	h.release(SessionKey(account.Platform, email))

	h.logger.Info("account erased", "email", email, "platform", account.Platform)
	return nil
}

// release освобождает сессию, которая живёт только один запуск workflow.
// Сессии аккаунтов остаются до erase_account.
func (h *Handlers) release(sessionKey string) {
	if h.sessions != nil {
		h.sessions.Release(sessionKey)
	}
}

func (h *Handlers) taskLogger(task *domain.Task) *slog.Logger {
	return telemetry.WithTask(h.logger, task.ID.String(), task.Kind, task.Attempt)
}

func decode[T any](validate *validator.Validate, task *domain.Task) (T, error) {
	var in T
	if err := json.Unmarshal(task.Payload, &in); err != nil {
		return in, retry.Fatal(fmt.Errorf("%w: %v", ErrValidation, err))
	}
	if n, ok := any(&in).(interface{ normalize() }); ok {
		n.normalize()
	}
	if err := validate.Struct(in); err != nil {
		return in, retry.Fatal(fmt.Errorf("%w: %v", ErrValidation, err))
	}
	return in, nil
}

func sameListing(current, want *domain.Listing) bool {
	return current.Status == domain.ListingStatusActive &&
		current.Title == want.Title &&
		current.Price == want.Price &&
		current.Supplier == want.Supplier
}
