package domain

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound — запись отсутствует (в БД, кэше или vault).
// Нормальный исход, а не ошибка для retry: вызывающий обязан его проверить.
var ErrNotFound = errors.New("not found")

// Account — аккаунт, созданный workflow provision_account.
// Натуральный ключ — Email.
type Account struct {
	Email    string `json:"email"`
	Platform string `json:"platform"`
	Username string `json:"username"`

	// CredentialsRef — имя записи в vault; пароль в БД не хранится.
	CredentialsRef string `json:"credentials_ref"`

	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NormalizeEmail приводит email к виду натурального ключа accounts.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ListingKey — натуральный ключ листинга (sku + platform).
type ListingKey struct {
	SKU      string
	Platform string
}

// String используется как ключ в кэше.
func (k ListingKey) String() string {
	return "listing:" + strings.ToLower(k.Platform) + ":" + k.SKU
}

// Listing — товар, выставленный на платформе.
type Listing struct {
	SKU      string        `json:"sku"`
	Platform string        `json:"platform"`
	Title    string        `json:"title"`
	Price    float64       `json:"price"`
	Supplier string        `json:"supplier"`
	Status   ListingStatus `json:"status"`

	// Version увеличивается при каждом upsert.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key возвращает натуральный ключ листинга.
func (l *Listing) Key() ListingKey {
	return ListingKey{SKU: l.SKU, Platform: l.Platform}
}

// Order — заказ покупателя. Натуральный ключ — OrderID.
type Order struct {
	OrderID      string      `json:"order_id"`
	Platform     string      `json:"platform"`
	SKU          string      `json:"sku"`
	Supplier     string      `json:"supplier"`
	BuyerName    string      `json:"buyer_name"`
	BuyerAddress string      `json:"buyer_address"`
	Status       OrderStatus `json:"status"`
	FulfilledAt  *time.Time  `json:"fulfilled_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsFulfilled возвращает true, если заказ уже исполнен.
func (o *Order) IsFulfilled() bool {
	return o.Status == OrderStatusFulfilled
}

// Product — товар поставщика из снимка каталога.
type Product struct {
	SKU      string  `json:"sku" validate:"required"`
	Title    string  `json:"title" validate:"required"`
	Cost     float64 `json:"cost" validate:"gte=0"`
	Price    float64 `json:"price" validate:"gt=0"`
	URL      string  `json:"url,omitempty"`
	Quantity int     `json:"quantity" validate:"gte=0"`
	Supplier string  `json:"supplier" validate:"required"`
}

// ToListing строит активный листинг товара на платформе.
func (p *Product) ToListing(platform string) *Listing {
	return &Listing{
		SKU:      p.SKU,
		Platform: platform,
		Title:    p.Title,
		Price:    p.Price,
		Supplier: p.Supplier,
		Status:   ListingStatusActive,
	}
}
