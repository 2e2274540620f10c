package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	lastEnqueue EnqueueRequest
	polls       atomic.Int32
	erased      string
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastEnqueue))
		if f.lastEnqueue.Kind == "bogus" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"code":"BAD_REQUEST","message":"unknown task kind: bogus"}}`)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"data":{"id":"task-1"}}`)
	})
	mux.HandleFunc("GET /api/v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "task-1" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":"NOT_FOUND","message":"task not found"}}`)
			return
		}
		status := "running"
		if f.polls.Add(1) >= 3 {
			status = "succeeded"
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"id": "task-1", "kind": "provision_account", "status": status, "attempt": 1, "max_attempts": 5,
		}})
	})
	mux.HandleFunc("DELETE /api/v1/accounts/{email}", func(w http.ResponseWriter, r *http.Request) {
		f.erased = r.PathValue("email")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, url string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	jsonMode := false

	root := &cobra.Command{Use: "humanitas", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().BoolVar(&jsonMode, "json", false, "")
	clientFn := func() *Client { return NewClient(url) }
	outputFn := func() *Output { return NewOutputTo(jsonMode, &stdout, &stderr) }
	root.AddCommand(NewTaskCmd(clientFn, outputFn), NewAccountCmd(clientFn, outputFn))
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestTaskEnqueue_SetFlags(t *testing.T) {
	api := &fakeAPI{}
	srv := api.server(t)

	stdout, stderr, err := runCLI(t, srv.URL, "task", "enqueue", "provision_account",
		"--payload", `{"platform":"shop"}`, "--set", "email=a@example.com", "--max-attempts", "3")

	require.NoError(t, err)
	assert.Contains(t, stderr, "Task enqueued: task-1")
	assert.Contains(t, stdout, "task-1")
	assert.Equal(t, "provision_account", api.lastEnqueue.Kind)
	assert.Equal(t, 3, api.lastEnqueue.MaxAttempts)
	assert.JSONEq(t, `{"platform":"shop","email":"a@example.com"}`, string(api.lastEnqueue.Payload))
}

func TestTaskEnqueue_WaitPollsUntilFinished(t *testing.T) {
	api := &fakeAPI{}
	srv := api.server(t)

	stdout, _, err := runCLI(t, srv.URL, "--json", "task", "enqueue", "provision_account",
		"--set", "email=a@example.com", "--wait", "--interval", "1ms")

	require.NoError(t, err)
	assert.Equal(t, int32(3), api.polls.Load())
	var task TaskResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &task))
	assert.Equal(t, "succeeded", task.Status)
}

func TestTaskEnqueue_ServerRejects(t *testing.T) {
	srv := (&fakeAPI{}).server(t)

	_, _, err := runCLI(t, srv.URL, "task", "enqueue", "bogus")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "BAD_REQUEST: unknown task kind: bogus", err.Error())
}

func TestTaskStatus_NotFound(t *testing.T) {
	srv := (&fakeAPI{}).server(t)

	_, _, err := runCLI(t, srv.URL, "task", "status", "missing")

	assert.True(t, IsNotFound(err))
}

func TestAccountErase(t *testing.T) {
	api := &fakeAPI{}
	srv := api.server(t)

	_, stderr, err := runCLI(t, srv.URL, "account", "erase", "a@example.com")

	require.NoError(t, err)
	assert.Equal(t, "a@example.com", api.erased)
	assert.Contains(t, stderr, "Account erased")
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		sets    []string
		want    string
		wantErr bool
	}{
		{"empty", "", nil, `{}`, false},
		{"json only", `{"a":1}`, nil, `{"a":1}`, false},
		{"set overrides", `{"a":1}`, []string{"a=x", "b=y=z"}, `{"a":"x","b":"y=z"}`, false},
		{"array rejected", `[1]`, nil, "", true},
		{"bad set", "", []string{"novalue"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPayload(tt.raw, "", tt.sets)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestWaitTask_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"data":{"id":"t","status":"running"}}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	task, err := NewClient(srv.URL).WaitTask(ctx, "t", 5*time.Millisecond)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "running", task.Status)
}
