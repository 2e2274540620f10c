package workflow

import (
	"net/http"
	"strings"
	"time"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

// Session — состояние одного экземпляра workflow, доступное шагам.
type Session struct {
	Key      string
	Platform string
	Kind     string

	Identity domain.Identity

	// Client ходит через Identity.
	Client *http.Client

	// Inputs — входные данные задачи.
	Inputs map[string]any

	// Steps — значения, полученные шагами: Steps[step][name].
	Steps map[string]map[string]string
}

// Set сохраняет значение шага.
func (s *Session) Set(step, name, value string) {
	if s.Steps == nil {
		s.Steps = make(map[string]map[string]string)
	}
	values, ok := s.Steps[step]
	if !ok {
		values = make(map[string]string)
		s.Steps[step] = values
	}
	values[name] = value
}

// Value возвращает значение по пути "<step>.<name>".
func (s *Session) Value(path string) (string, bool) {
	step, name, ok := strings.Cut(path, ".")
	if !ok {
		return "", false
	}
	v, ok := s.Steps[step][name]
	return v, ok
}

// State — состояние экземпляра workflow.
type State string

const (
	StateStarted             State = "started"
	StateIdentityAssigned    State = "identity_assigned"
	StateStepsExecuting      State = "steps_executing"
	StateVerificationPending State = "verification_pending"
	StatePersisting          State = "persisting"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// IsTerminal возвращает true для Completed и Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Transition — запись о переходе.
type Transition struct {
	State State     `json:"state"`
	Step  string    `json:"step,omitempty"`
	At    time.Time `json:"at"`
}

// Execution — журнал одного запуска workflow.
type Execution struct {
	Kind       string
	Platform   string
	SessionKey string

	State       State
	Transitions []Transition

	// Attempts — сколько попыток retry.Policy потребовалось каждому шагу.
	Attempts map[string]int

	Session *Session
	Err     error
}

func (e *Execution) transition(state State, step string, at time.Time) {
	e.State = state
	e.Transitions = append(e.Transitions, Transition{State: state, Step: step, At: at})
}

// States возвращает последовательность пройденных состояний.
func (e *Execution) States() []State {
	out := make([]State, len(e.Transitions))
	for i, t := range e.Transitions {
		out[i] = t.State
	}
	return out
}
