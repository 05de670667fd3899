package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/cost"
	"conductor/internal/executor"
	"conductor/internal/ledger"
	"conductor/internal/logging"
	"conductor/internal/ports"
	"conductor/internal/registry"
	"conductor/internal/session"
)

type fixture struct {
	server   *Server
	sessions *session.Store
	ledger   *ledger.InMemoryLedger
	executor *executor.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	model := cost.NewModel(nil)
	led := ledger.NewInMemoryLedger(model, nil, logging.Nop())
	sessions := session.NewStore(time.Hour, logging.Nop())
	reg := registry.New(nil, logging.Nop())
	exec := executor.New(led, model, logging.Nop())
	require.NoError(t, exec.RegisterHandler(executor.KindEcho, executor.EchoHandler()))

	server := NewServer(Options{
		Sessions: sessions,
		Ledger:   led,
		Executor: exec,
		Registry: reg,
		Logger:   logging.Nop(),
	})
	return &fixture{server: server, sessions: sessions, ledger: led, executor: exec}
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	sess, err := f.sessions.Issue(context.Background(), "test-device")
	require.NoError(t, err)
	return sess.Token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.True(t, env.Success, "expected success envelope, got %s", rec.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions", "", map[string]string{"deviceDescriptor": "tablet-7"})
	require.Equal(t, http.StatusCreated, rec.Code)

	resp := decodeData[sessionResponse](t, rec)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.ExpiresAt.After(time.Now()))
}

func TestCreateSessionRequiresDescriptor(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/sessions", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskEndpointsRequireAuth(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/tasks"},
		{http.MethodGet, "/tasks"},
		{http.MethodGet, "/tasks/task-x"},
		{http.MethodPost, "/tasks/task-x/cancel"},
		{http.MethodGet, "/services"},
	} {
		rec := f.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}

	rec := f.do(t, http.MethodGet, "/tasks", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateTaskReturnsEstimate(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	rec := f.do(t, http.MethodPost, "/tasks", token, map[string]any{
		"kind":  "echo",
		"input": map[string]string{"message": "hi"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	task := decodeData[taskResponse](t, rec)
	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, ports.TaskStatusQueued, task.Status)
	assert.Greater(t, task.EstimatedCost, 0.0)
}

func TestCreateTaskUnknownKind(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks", f.token(t), map[string]any{"kind": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskScopedToOwner(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t)
	other := f.token(t)

	rec := f.do(t, http.MethodPost, "/tasks", owner, map[string]any{"kind": "echo"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decodeData[taskResponse](t, rec)

	rec = f.do(t, http.MethodGet, "/tasks/"+created.TaskID, owner, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Another session cannot read it.
	rec = f.do(t, http.MethodGet, "/tasks/"+created.TaskID, other, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/tasks/task-does-not-exist", owner, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasksReturnsOwnOnly(t *testing.T) {
	f := newFixture(t)
	a := f.token(t)
	b := f.token(t)

	f.do(t, http.MethodPost, "/tasks", a, map[string]any{"kind": "echo"})
	f.do(t, http.MethodPost, "/tasks", a, map[string]any{"kind": "echo"})
	f.do(t, http.MethodPost, "/tasks", b, map[string]any{"kind": "echo"})

	rec := f.do(t, http.MethodGet, "/tasks", a, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeData[[]taskResponse](t, rec)
	assert.Len(t, tasks, 2)
}

func TestCancelQueuedTask(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	rec := f.do(t, http.MethodPost, "/tasks", token, map[string]any{"kind": "echo"})
	created := decodeData[taskResponse](t, rec)

	rec = f.do(t, http.MethodPost, "/tasks/"+created.TaskID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cancelled := decodeData[taskResponse](t, rec)
	assert.Equal(t, ports.TaskStatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, ports.FailureCancelled, cancelled.Error.Kind)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	f := newFixture(t)
	token := f.token(t)

	rec := f.do(t, http.MethodPost, "/tasks", token, map[string]any{"kind": "echo"})
	created := decodeData[taskResponse](t, rec)

	// Drive it terminal directly, then try to cancel over HTTP.
	ctx := context.Background()
	require.NoError(t, f.ledger.TransitionToProcessing(ctx, created.TaskID))
	require.NoError(t, f.ledger.Complete(ctx, created.TaskID, nil, 1.0))

	rec = f.do(t, http.MethodPost, "/tasks/"+created.TaskID+"/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthEndpointIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.TaskKinds)
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
