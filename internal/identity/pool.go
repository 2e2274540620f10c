// Package identity управляет пулом egress-identity (прокси) с
// «липкой» привязкой к сессиям.
//
// Одна сессия (session key, например "ebay:user@example.com") на всём
// протяжении многошагового взаимодействия ходит через одну identity.
// Каждая identity ограничена собственным rate limiter.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// Значения по умолчанию.
const (
	defaultHTTPTimeout = 30 * time.Second
	defaultBurst       = 1
)

// ErrSourceUnavailable — источник identity не ответил; пул работает со старым набором.
var ErrSourceUnavailable = errors.New("identity source unavailable")

// Pool — набор identity и привязки сессий к ним.
//
// Assign атомарен: два воркера, одновременно запросившие один session key,
// получат одну и ту же identity.
type Pool struct {
	source   Source
	sessions SessionStore
	logger   *slog.Logger

	limit       rate.Limit
	burst       int
	httpTimeout time.Duration

	mu         sync.Mutex
	identities []domain.Identity
	health     map[string]domain.HealthState
	limiters   map[string]*rate.Limiter
	clients    map[string]*http.Client

	pick func(n int) int
	now  func() time.Time
}

// Config — конфигурация Pool.
type Config struct {
	// Source — откуда брать identity при Refresh (опционально).
	Source Source

	// Sessions — хранилище привязок (default: в памяти).
	Sessions SessionStore

	// Initial — начальный набор identity.
	Initial []domain.Identity

	// RatePerSecond — лимит запросов на одну identity (0 — без лимита).
	RatePerSecond float64
	Burst         int

	// HTTPTimeout — таймаут HTTP-клиентов identity (default: 30s).
	HTTPTimeout time.Duration

	Logger *slog.Logger
}

// New создаёт Pool.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}

	p := &Pool{
		source:      cfg.Source,
		sessions:    sessions,
		logger:      logger,
		limit:       limit,
		burst:       burst,
		httpTimeout: httpTimeout,
		health:      make(map[string]domain.HealthState),
		limiters:    make(map[string]*rate.Limiter),
		clients:     make(map[string]*http.Client),
		pick:        rand.IntN,
		now:         time.Now,
	}
	p.identities = dedupe(cfg.Initial)
	return p
}

// Assign возвращает identity для session key, создавая привязку при первом вызове.
//
// Повторные вызовы возвращают ту же identity до Release или до Refresh,
// убравшего её из набора. Пустой пул возвращает domain.DirectIdentity;
// такая привязка не запоминается.
func (p *Pool) Assign(sessionKey string) domain.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session, ok := p.sessions.Get(sessionKey); ok {
		return p.withHealth(session.Identity)
	}

	if len(p.identities) == 0 {
		p.logger.Warn("identity pool empty, using direct connection", "session_key", sessionKey)
		return domain.DirectIdentity
	}

	identity := p.identities[p.pick(len(p.identities))]
	p.sessions.Put(domain.Session{
		Key:       sessionKey,
		Identity:  identity,
		CreatedAt: p.now().UTC(),
	})

	p.logger.Debug("identity assigned",
		"session_key", sessionKey,
		"identity", identity.String(),
	)

	return p.withHealth(identity)
}

// Release освобождает привязку сессии.
func (p *Pool) Release(sessionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions.Delete(sessionKey)
}

// Refresh заменяет набор identity данными из Source.
//
// Ошибка источника не фатальна: пул продолжает работать с тем, что было.
// Сессии, чья identity осталась в новом наборе, сохраняют привязку.
func (p *Pool) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}

	fetched, err := p.source.Fetch(ctx)
	if err != nil {
		p.mu.Lock()
		kept := len(p.identities)
		p.mu.Unlock()
		p.logger.Warn("identity refresh failed, keeping previous set",
			"identities", kept,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	p.Replace(fetched)
	return nil
}

// Replace устанавливает новый набор identity.
func (p *Pool) Replace(identities []domain.Identity) {
	next := dedupe(identities)

	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]struct{}, len(next))
	for _, id := range next {
		present[id.String()] = struct{}{}
	}

	dropped := p.sessions.Prune(func(s domain.Session) bool {
		_, ok := present[s.Identity.String()]
		return ok
	})

	for key := range p.limiters {
		if _, ok := present[key]; !ok && key != domain.DirectIdentity.String() {
			delete(p.limiters, key)
			delete(p.clients, key)
			delete(p.health, key)
		}
	}

	p.identities = next

	p.logger.Info("identity pool refreshed",
		"identities", len(next),
		"sessions_dropped", dropped,
	)
}

// MarkHealth записывает рекомендательное состояние identity.
func (p *Pool) MarkHealth(identity domain.Identity, state domain.HealthState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[identity.String()] = state
}

// Identities возвращает копию текущего набора.
func (p *Pool) Identities() []domain.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Identity, len(p.identities))
	for i, id := range p.identities {
		out[i] = p.withHealth(id)
	}
	return out
}

// SessionCount возвращает количество активных привязок.
func (p *Pool) SessionCount() int {
	return p.sessions.Len()
}

// Limiter возвращает rate limiter identity. Общий для всех её сессий.
func (p *Pool) Limiter(identity domain.Identity) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := identity.String()
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = limiter
	}
	return limiter
}

// Wait блокируется, пока лимит identity не позволит следующий запрос.
func (p *Pool) Wait(ctx context.Context, identity domain.Identity) error {
	return p.Limiter(identity).Wait(ctx)
}

// HTTPClient возвращает клиент, который ходит через identity.
func (p *Pool) HTTPClient(identity domain.Identity) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := identity.String()
	if client, ok := p.clients[key]; ok {
		return client
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy := identity.ProxyURL(); proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	} else {
		transport.Proxy = nil
	}

	client := &http.Client{Transport: transport, Timeout: p.httpTimeout}
	p.clients[key] = client
	return client
}

// withHealth подставляет известное состояние. Вызывается под p.mu.
func (p *Pool) withHealth(identity domain.Identity) domain.Identity {
	if state, ok := p.health[identity.String()]; ok {
		identity.Health = state
	} else if identity.Health == "" {
		identity.Health = domain.HealthUnknown
	}
	return identity
}

func dedupe(identities []domain.Identity) []domain.Identity {
	seen := make(map[string]struct{}, len(identities))
	out := make([]domain.Identity, 0, len(identities))
	for _, id := range identities {
		if id.IsDirect() {
			continue
		}
		key := id.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if id.Health == "" {
			id.Health = domain.HealthUnknown
		}
		out = append(out, id)
	}
	return out
}
