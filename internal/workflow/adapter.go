package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/verify"
)

// Виды workflow.
const (
	KindProvisionAccount = "provision_account"
	KindListProduct      = "list_product"
	KindFulfillOrder     = "fulfill_order"
	KindEraseAccount     = "erase_account"
)

// Kinds — все виды задач, которые понимает воркер.
func Kinds() []string {
	return []string{KindProvisionAccount, KindListProduct, KindFulfillOrder, KindEraseAccount}
}

// Adapter — интеграция с одной внешней платформой.
type Adapter interface {
	Platform() string

	// Steps возвращает упорядоченные шаги workflow kind.
	Steps(kind string) ([]Step, error)
}

// Classifier реализуется адаптером, если ему нужна своя классификация ошибок.
type Classifier interface {
	Classify(err error) retry.Class
}

// Step — один внешний вызов в составе workflow.
//
// Execute должен быть идемпотентным: шаг повторяется при retryable-ошибке
// и при повторной доставке задачи.
type Step interface {
	Name() string
	Execute(ctx context.Context, session *Session, identity domain.Identity) (StepResult, error)
}

// StepResult — результат шага.
type StepResult struct {
	// Values сохраняются в Session под именем шага.
	Values map[string]string

	// Verification — шаг ждёт внешнего подтверждения.
	Verification *verify.Challenge
}

// StepFunc — шаг из функции.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, session *Session, identity domain.Identity) (StepResult, error)
}

// Name возвращает имя шага.
func (s StepFunc) Name() string { return s.StepName }

// Execute вызывает Fn.
func (s StepFunc) Execute(ctx context.Context, session *Session, identity domain.Identity) (StepResult, error) {
	return s.Fn(ctx, session, identity)
}

// Registry — адаптеры по имени платформы (без учёта регистра).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry создаёт реестр с адаптерами.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register добавляет адаптер; адаптер той же платформы заменяется.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Platform())] = a
}

// Get возвращает адаптер платформы.
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(platform)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return a, nil
}

// Platforms возвращает зарегистрированные платформы.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
