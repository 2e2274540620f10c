package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NovaTayler/Humanitas/internal/domain"
	"github.com/NovaTayler/Humanitas/internal/memstore"
	"github.com/NovaTayler/Humanitas/internal/worker"
)

type eraserFunc func(ctx context.Context, email string) error

func (f eraserFunc) Erase(ctx context.Context, email string) error { return f(ctx, email) }

type testServer struct {
	queue  *memstore.Queue
	erased []string
	mux    *http.ServeMux
}

func newTestServer(t *testing.T, health func(context.Context) error) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{queue: memstore.NewQueue(), mux: http.NewServeMux()}

	h := NewHandler(Config{
		Submitter: worker.NewSubmitter(worker.SubmitterConfig{
			Queue:  ts.queue,
			Kinds:  []string{domain.KindProvisionAccount, domain.KindFulfillOrder},
			Logger: logger,
		}),
		Tasks: ts.queue,
		Eraser: eraserFunc(func(_ context.Context, email string) error {
			if email == "broken@example.com" {
				return errors.New("vault unavailable")
			}
			ts.erased = append(ts.erased, email)
			return nil
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("humanitas_tasks_enqueued_total 1\n"))
		}),
		Health: health,
		Logger: logger,
	})
	h.RegisterRoutes(ts.mux)
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestEnqueueTask_ThenGetStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
		"kind":         domain.KindProvisionAccount,
		"payload":      map[string]any{"platform": "shop", "email": "a@example.com"},
		"max_attempts": 3,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	created := decodeData[EnqueueTaskResponse](t, rec)
	require.NotEqual(t, uuid.Nil, created.ID)

	rec = ts.do(http.MethodGet, "/api/v1/tasks/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decodeData[TaskResponse](t, rec)
	assert.Equal(t, created.ID, task.ID)
	assert.Equal(t, domain.KindProvisionAccount, task.Kind)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 3, task.MaxAttempts)
	assert.NotContains(t, rec.Body.String(), "a@example.com")
}

func TestEnqueueTask_DefaultMaxAttempts(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/v1/tasks", map[string]any{
		"kind":    domain.KindFulfillOrder,
		"payload": map[string]any{"order_id": "o-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	task, err := ts.queue.Get(context.Background(), decodeData[EnqueueTaskResponse](t, rec).ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxAttempts, task.MaxAttempts)
}

func TestEnqueueTask_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"missing kind", map[string]any{"payload": map[string]any{}}},
		{"unknown kind", map[string]any{"kind": "mine_bitcoin", "payload": map[string]any{}}},
		{"payload not object", map[string]any{"kind": domain.KindFulfillOrder, "payload": []int{1, 2}}},
		{"missing payload", map[string]any{"kind": domain.KindFulfillOrder}},
		{"negative attempts", map[string]any{"kind": domain.KindFulfillOrder, "payload": map[string]any{}, "max_attempts": -1}},
		{"not json", "kind=provision"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)

			rec := ts.do(http.MethodPost, "/api/v1/tasks", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, ErrCodeBadRequest, decodeError(t, rec).Code)
		})
	}
}

func TestGetTask_NotFoundAndInvalidID(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Code)

	rec = ts.do(http.MethodGet, "/api/v1/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEraseAccount(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodDelete, "/api/v1/accounts/user@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"user@example.com"}, ts.erased)

	rec = ts.do(http.MethodDelete, "/api/v1/accounts/Seller@Example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"user@example.com", "seller@example.com"}, ts.erased)

	rec = ts.do(http.MethodDelete, "/api/v1/accounts/nobody", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/v1/accounts/broken@example.com", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec).Message)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = ts.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "humanitas_tasks_enqueued_total")

	down := newTestServer(t, func(context.Context) error { return errors.New("postgres: connection refused") })
	rec = down.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware_RecoveryAndRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Chain(Recovery(logger), RequestID(), Logging(logger))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}
