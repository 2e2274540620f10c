// Package template рендерит Go-шаблоны в описаниях шагов адаптеров.
//
// Данные шаблона:
//   - {{ .Inputs.email }} — входные данные задачи
//   - {{ .Steps.signup.token }} — значения, полученные предыдущими шагами
//   - {{ .Identity }} — identity сессии
package template

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/template"
)

var (
	// ErrParse — шаблон не разбирается.
	ErrParse = errors.New("template parse failed")

	// ErrRender — шаблон не выполняется на данных.
	ErrRender = errors.New("template render failed")
)

// Data — данные для рендеринга.
type Data struct {
	Inputs   map[string]any
	Steps    map[string]map[string]string
	Identity string
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok && s == "" {
				continue
			}
			return v
		}
		return nil
	},
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"replace":  strings.ReplaceAll,
	"urlquery": url.QueryEscape,
}

// Render рендерит строку. Строка без "{{" возвращается как есть.
//
// Отсутствующий ключ — ошибка, а не "<no value>".
func Render(text string, data *Data) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	t, err := template.New("").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRender, err)
	}
	return buf.String(), nil
}

// RenderValue рекурсивно рендерит строки внутри map и slice.
// Остальные значения возвращаются без изменений.
func RenderValue(value any, data *Data) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, data)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := RenderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil

	default:
		return value, nil
	}
}

// RenderMap рендерит значения map[string]string (заголовки, query).
func RenderMap(m map[string]string, data *Data) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for key, value := range m {
		rendered, err := Render(value, data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = rendered
	}
	return out, nil
}
