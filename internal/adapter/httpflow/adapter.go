package httpflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/retry"
	"github.com/NovaTayler/Humanitas/internal/template"
	"github.com/NovaTayler/Humanitas/internal/verify"
	"github.com/NovaTayler/Humanitas/internal/workflow"
)

// Значения по умолчанию.
const (
	defaultPollInterval = 5 * time.Second
	defaultMaxPolls     = 12
	maxResponseBody     = 1 << 20 // 1 MB
	maxErrorBody        = 256
)

// StatusError — платформа ответила кодом >= 400.
type StatusError struct {
	Step       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Step, e.StatusCode, e.Body)
}

// Retryable: 408, 425, 429 и 5xx — временные; остальные 4xx — нет.
func (e *StatusError) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}

// Adapter — платформа из PlatformDef.
type Adapter struct {
	def    PlatformDef
	logger *slog.Logger
}

// New создаёт адаптеры всех платформ определения.
func New(def *Definition, logger *slog.Logger) []workflow.Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]workflow.Adapter, 0, len(def.Platforms))
	for _, p := range def.Platforms {
		out = append(out, &Adapter{def: p, logger: logger.With("platform", p.Name)})
	}
	return out
}

// Platform возвращает имя платформы.
func (a *Adapter) Platform() string {
	return a.def.Name
}

// Steps возвращает HTTP-шаги workflow kind.
func (a *Adapter) Steps(kind string) ([]workflow.Step, error) {
	defs, ok := a.def.Workflows[kind]
	if !ok {
		return nil, fmt.Errorf("platform %s has no workflow %q", a.def.Name, kind)
	}
	steps := make([]workflow.Step, len(defs))
	for i := range defs {
		steps[i] = &step{adapter: a, def: defs[i]}
	}
	return steps, nil
}

// Classify: StatusError по коду, остальное — retry.DefaultClassifier.
func (a *Adapter) Classify(err error) retry.Class {
	var status *StatusError
	if errors.As(err, &status) {
		if status.Retryable() {
			return retry.ClassRetryable
		}
		return retry.ClassFatal
	}
	return retry.DefaultClassifier(err)
}

type step struct {
	adapter *Adapter
	def     StepDef
}

func (s *step) Name() string {
	return s.def.Name
}

func (s *step) Execute(ctx context.Context, session *workflow.Session, identity domain.Identity) (workflow.StepResult, error) {
	data := templateData(session, identity)

	path, err := template.Render(s.def.Path, data)
	if err != nil {
		return workflow.StepResult{}, retry.Fatal(fmt.Errorf("%s: path: %w", s.def.Name, err))
	}
	headers, err := template.RenderMap(mergeHeaders(s.adapter.def.Headers, s.def.Headers), data)
	if err != nil {
		return workflow.StepResult{}, retry.Fatal(fmt.Errorf("%s: headers: %w", s.def.Name, err))
	}

	var body io.Reader
	if s.def.Body != nil {
		rendered, err := template.RenderValue(normalize(s.def.Body), data)
		if err != nil {
			return workflow.StepResult{}, retry.Fatal(fmt.Errorf("%s: body: %w", s.def.Name, err))
		}
		raw, err := json.Marshal(rendered)
		if err != nil {
			return workflow.StepResult{}, retry.Fatal(fmt.Errorf("%s: encode body: %w", s.def.Name, err))
		}
		body = bytes.NewReader(raw)
		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	method := s.def.Method
	if method == "" {
		method = http.MethodGet
	}

	payload, err := s.adapter.do(ctx, session.Client, s.def.Name, method, path, headers, body)
	if err != nil {
		return workflow.StepResult{}, err
	}

	values, err := extractOutputs(payload, s.def.Outputs)
	if err != nil {
		return workflow.StepResult{}, retry.Fatal(fmt.Errorf("%s: %w", s.def.Name, err))
	}

	result := workflow.StepResult{Values: values}
	if v := s.def.Verification; v != nil {
		// значения этого шага уже нужны шаблону пути проверки
		for name, value := range values {
			session.Set(s.def.Name, name, value)
		}
		challenge, err := s.challenge(session, identity, *v)
		if err != nil {
			return workflow.StepResult{}, err
		}
		result.Verification = challenge
	}
	return result, nil
}

func (s *step) challenge(session *workflow.Session, identity domain.Identity, v VerificationDef) (*verify.Challenge, error) {
	path, err := template.Render(v.Path, templateData(session, identity))
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("%s: verification path: %w", s.def.Name, err))
	}
	headers, err := template.RenderMap(s.adapter.def.Headers, templateData(session, identity))
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("%s: verification headers: %w", s.def.Name, err))
	}

	interval := v.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxPolls := v.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}

	return &verify.Challenge{
		TargetKey:    session.Key,
		Kind:         verify.Kind(v.Kind),
		PollInterval: interval,
		MaxPolls:     maxPolls,
		Check: func(ctx context.Context) (string, error) {
			payload, err := s.adapter.do(ctx, session.Client, s.def.Name+".verification", http.MethodGet, path, headers, nil)
			var status *StatusError
			if errors.As(err, &status) && status.StatusCode == http.StatusNotFound {
				return "", verify.ErrNotReady
			}
			if err != nil {
				return "", err
			}
			value, ok := lookup(payload, v.Field)
			if !ok || value == "" {
				return "", verify.ErrNotReady
			}
			return value, nil
		},
	}, nil
}

// do выполняет запрос и разбирает JSON-ответ.
func (a *Adapter) do(ctx context.Context, client *http.Client, name, method, path string, headers map[string]string, body io.Reader) (any, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.def.BaseURL, "/")+path, body)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("%s: build request: %w", name, err))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Retryable(fmt.Errorf("%s: %w", name, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("%s: read response: %w", name, err))
	}

	a.logger.Debug("platform call",
		"step", name,
		"method", method,
		"path", path,
		"status", resp.StatusCode,
	)

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{Step: name, StatusCode: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
		if statusErr.Retryable() {
			return nil, retry.Retryable(statusErr)
		}
		return nil, retry.Fatal(statusErr)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var payload any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		// не-JSON ответ допустим, если outputs не нужны
		return string(raw), nil
	}
	return payload, nil
}

func templateData(session *workflow.Session, identity domain.Identity) *template.Data {
	return &template.Data{
		Inputs:   session.Inputs,
		Steps:    session.Steps,
		Identity: identity.String(),
	}
}

func mergeHeaders(base, step map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(step))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range step {
		out[k] = v
	}
	return out
}

func extractOutputs(payload any, outputs map[string]string) (map[string]string, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(outputs))
	for name, path := range outputs {
		value, ok := lookup(payload, path)
		if !ok {
			return nil, fmt.Errorf("response has no field %q", path)
		}
		values[name] = value
	}
	return values, nil
}

// lookup находит поле по пути "a.b.c".
func lookup(payload any, path string) (string, bool) {
	current := payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	switch v := current.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// normalize приводит map[string]interface{} из YAML к виду, который
// понимает template.RenderValue.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
