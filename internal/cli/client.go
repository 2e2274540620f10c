package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TaskResponse — статус задачи (дублирует api.TaskResponse).
type TaskResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

// Finished — задача в финальном статусе.
func (t TaskResponse) Finished() bool {
	switch t.Status {
	case "succeeded", "dead_letter":
		return true
	}
	return false
}

// EnqueueRequest — постановка задачи.
type EnqueueRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// APIError — ошибка, которую вернул сервер.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound — сервер ответил 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client — HTTP-клиент Humanitas API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enqueue ставит задачу и возвращает её id.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.doData(ctx, http.MethodPost, "/api/v1/tasks", req, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// GetTask возвращает статус задачи.
func (c *Client) GetTask(ctx context.Context, id string) (*TaskResponse, error) {
	var task TaskResponse
	err := c.doData(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task)
	return &task, err
}

// WaitTask опрашивает задачу, пока она не завершится.
func (c *Client) WaitTask(ctx context.Context, id string, interval time.Duration) (*TaskResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *TaskResponse
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		if task.Finished() {
			return task, nil
		}
		last = task
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EraseAccount удаляет данные аккаунта.
func (c *Client) EraseAccount(ctx context.Context, email string) error {
	return c.doData(ctx, http.MethodDelete, "/api/v1/accounts/"+url.PathEscape(email), nil, nil)
}

func (c *Client) doData(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code, apiErr.Message = er.Error.Code, er.Error.Message
	}
	return apiErr
}
