package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// Accounts — аккаунты в памяти, ключ — email.
type Accounts struct {
	mu   sync.RWMutex
	rows map[string]domain.Account
}

func NewAccounts() *Accounts {
	return &Accounts{rows: make(map[string]domain.Account)}
}

func (s *Accounts) Upsert(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := s.rows[a.Email]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.rows[a.Email] = *a
	return nil
}

func (s *Accounts) Get(_ context.Context, email string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (s *Accounts) Delete(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, email)
	return nil
}

// Len возвращает число аккаунтов.
func (s *Accounts) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Listings — листинги в памяти; реализует cache.Durable.
type Listings struct {
	mu   sync.RWMutex
	rows map[domain.ListingKey]domain.Listing
}

func NewListings() *Listings {
	return &Listings{rows: make(map[domain.ListingKey]domain.Listing)}
}

func (s *Listings) Load(_ context.Context, key domain.ListingKey) (domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.rows[key]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

func (s *Listings) Upsert(_ context.Context, key domain.ListingKey, l domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.SKU, l.Platform = key.SKU, key.Platform
	l.Version = s.rows[key].Version + 1
	l.UpdatedAt = time.Now().UTC()
	s.rows[key] = l
	return nil
}

func (s *Listings) Delete(_ context.Context, key domain.ListingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key)
	return nil
}

// Len возвращает число листингов.
func (s *Listings) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Orders — заказы в памяти, ключ — order_id.
type Orders struct {
	mu   sync.RWMutex
	rows map[string]domain.Order
}

func NewOrders() *Orders {
	return &Orders{rows: make(map[string]domain.Order)}
}

// Upsert сохраняет заказ; fulfilled не откатывается в pending.
func (s *Orders) Upsert(_ context.Context, o *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *o
	if next.Status == "" {
		next.Status = domain.OrderStatusPending
	}
	if prev, ok := s.rows[o.OrderID]; ok {
		next.CreatedAt = prev.CreatedAt
		if prev.IsFulfilled() {
			next.Status = prev.Status
			next.FulfilledAt = prev.FulfilledAt
		}
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	s.rows[o.OrderID] = next
	*o = next
	return nil
}

func (s *Orders) Get(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.rows[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &o, nil
}

func (s *Orders) MarkFulfilled(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.rows[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = domain.OrderStatusFulfilled
	if o.FulfilledAt == nil {
		o.FulfilledAt = &at
	}
	s.rows[orderID] = o
	return nil
}
