package identity

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NovaTayler/Humanitas/internal/domain"
)

const (
	defaultMaxIdentities = 50
	maxSourceBody        = 1 << 20 // 1 MB
)

// Source — источник набора identity для Refresh.
type Source interface {
	Fetch(ctx context.Context) ([]domain.Identity, error)
}

// StaticSource — фиксированный набор.
type StaticSource []domain.Identity

// Fetch возвращает копию набора.
func (s StaticSource) Fetch(context.Context) ([]domain.Identity, error) {
	out := make([]domain.Identity, len(s))
	copy(out, s)
	return out, nil
}

// SourceFunc адаптирует функцию к Source.
type SourceFunc func(ctx context.Context) ([]domain.Identity, error)

// Fetch вызывает f.
func (f SourceFunc) Fetch(ctx context.Context) ([]domain.Identity, error) {
	return f(ctx)
}

// FileSource читает identity из файла.
//
// Форматы:
//   - .yaml/.yml: {identities: ["host:port", "socks5://host:port"]}
//   - иначе: по одной identity на строку, '#' — комментарий
type FileSource struct {
	Path string
}

// fileDocument — YAML-представление файла identity.
type fileDocument struct {
	Identities []string `yaml:"identities"`
}

// Fetch читает и разбирает файл.
func (s FileSource) Fetch(ctx context.Context) ([]domain.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %w", s.Path, err)
	}

	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		var doc fileDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", s.Path, err)
		}
		return parseAll(doc.Identities, 0)
	default:
		return parseLines(strings.NewReader(string(data)), 0)
	}
}

// HTTPSource загружает список identity (по одной на строку) с HTTP endpoint.
type HTTPSource struct {
	URL string

	// MaxIdentities — сколько первых записей брать (default: 50).
	MaxIdentities int

	Client *http.Client
}

// Fetch загружает список.
func (s HTTPSource) Fetch(ctx context.Context) ([]domain.Identity, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limit := s.MaxIdentities
	if limit <= 0 {
		limit = defaultMaxIdentities
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create identity request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch identities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch identities: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return parseLines(io.LimitReader(resp.Body, maxSourceBody), limit)
}

func parseLines(r io.Reader, limit int) ([]domain.Identity, error) {
	var raw []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw = append(raw, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read identities: %w", err)
	}
	return parseAll(raw, limit)
}

// parseAll разбирает записи; некорректные пропускаются.
func parseAll(raw []string, limit int) ([]domain.Identity, error) {
	out := make([]domain.Identity, 0, len(raw))
	for _, entry := range raw {
		id, err := domain.ParseIdentity(entry)
		if err != nil {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
