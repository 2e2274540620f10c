package identity

import (
	"sync"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// SessionStore — хранилище привязок session key → identity.
//
// Пул вызывает его под собственной блокировкой; реализация может быть
// внешней (Redis, БД), если пул разделяется между процессами.
type SessionStore interface {
	Get(key string) (domain.Session, bool)
	Put(session domain.Session)
	Delete(key string)

	// Prune удаляет сессии, для которых keep вернул false.
	// Возвращает количество удалённых.
	Prune(keep func(domain.Session) bool) int

	Len() int
}

// MemorySessionStore — SessionStore в памяти процесса.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore создаёт пустое хранилище.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]domain.Session)}
}

func (s *MemorySessionStore) Get(key string) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[key]
	return session, ok
}

func (s *MemorySessionStore) Put(session domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Key] = session
}

func (s *MemorySessionStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

func (s *MemorySessionStore) Prune(keep func(domain.Session) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, session := range s.sessions {
		if !keep(session) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
