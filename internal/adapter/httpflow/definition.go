// Package httpflow — адаптер платформы, описанный в YAML.
//
// Каждый шаг — один HTTP-запрос через identity сессии. Путь, заголовки
// и тело — шаблоны (internal/template). Поля JSON-ответа сохраняются в
// сессии (outputs), шаг может ждать подтверждения (verification).
//
//	platforms:
//	  - name: shop
//	    base_url: https://shop.example.com
//	    workflows:
//	      provision_account:
//	        - name: signup
//	          method: POST
//	          path: /api/accounts
//	          body:
//	            email: "{{ .Inputs.email }}"
//	          outputs:
//	            account_id: data.id
//	          verification:
//	            kind: code
//	            path: /api/accounts/{{ .Steps.signup.account_id }}/code
//	            field: code
//	            poll_interval: 5s
//	            max_polls: 12
package httpflow

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition — YAML не описывает корректные адаптеры.
var ErrInvalidDefinition = errors.New("invalid adapter definition")

// Definition — содержимое файла адаптеров.
type Definition struct {
	Platforms []PlatformDef `yaml:"platforms" validate:"required,min=1,dive"`

	// Suppliers — каталоги поставщиков для catalog sync (опционально).
	Suppliers []SupplierDef `yaml:"suppliers" validate:"dive"`
}

// PlatformDef — одна платформа.
type PlatformDef struct {
	Name    string            `yaml:"name" validate:"required"`
	BaseURL string            `yaml:"base_url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`

	// Workflows — шаги по виду workflow.
	Workflows map[string][]StepDef `yaml:"workflows" validate:"required,min=1,dive,min=1,dive"`
}

// StepDef — один HTTP-шаг.
type StepDef struct {
	Name    string            `yaml:"name" validate:"required"`
	Method  string            `yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Path    string            `yaml:"path" validate:"required"`
	Headers map[string]string `yaml:"headers"`
	Body    any               `yaml:"body"`

	// Outputs: имя значения → путь поля в JSON-ответе ("data.id").
	Outputs map[string]string `yaml:"outputs"`

	Verification *VerificationDef `yaml:"verification" validate:"omitempty"`
}

// VerificationDef — опрос endpoint'а до появления поля.
type VerificationDef struct {
	Kind         string        `yaml:"kind" validate:"required,oneof=code captcha"`
	Path         string        `yaml:"path" validate:"required"`
	Field        string        `yaml:"field" validate:"required"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls" validate:"gte=0"`
}

// Load читает и проверяет файл адаптеров.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adapters %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает и проверяет YAML.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	for _, p := range def.Platforms {
		for kind, steps := range p.Workflows {
			seen := make(map[string]bool, len(steps))
			for _, s := range steps {
				if seen[s.Name] {
					return nil, fmt.Errorf("%w: %s/%s: duplicate step %q", ErrInvalidDefinition, p.Name, kind, s.Name)
				}
				seen[s.Name] = true
			}
		}
	}
	suppliers := make(map[string]bool, len(def.Suppliers))
	for _, s := range def.Suppliers {
		name := strings.ToLower(s.Name)
		if suppliers[name] {
			return nil, fmt.Errorf("%w: duplicate supplier %q", ErrInvalidDefinition, s.Name)
		}
		suppliers[name] = true
	}
	return &def, nil
}
