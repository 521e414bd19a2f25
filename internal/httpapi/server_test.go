package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaocainiao633/codesage/internal/apiclient"
	"github.com/xiaocainiao633/codesage/internal/config"
	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

type fakeStore struct {
	mu        sync.Mutex
	list      []tasks.Task
	current   *tasks.Task
	createErr error
	cancelErr error
	reloads   int
	events    chan tasks.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(chan tasks.Event, 16)}
}

func (f *fakeStore) Subscribe() (<-chan tasks.Event, func()) {
	return f.events, func() {}
}

func (f *fakeStore) CreateTask(_ context.Context, taskType tasks.TaskType, name, description string, params map[string]any) (tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return tasks.Task{}, f.createErr
	}
	task := tasks.Task{
		ID:          "t-1",
		Name:        name,
		Type:        taskType,
		Status:      tasks.TaskStatusPending,
		Description: description,
		Params:      params,
	}
	f.list = append([]tasks.Task{task}, f.list...)
	return task, nil
}

func (f *fakeStore) LoadTasks(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, taskID string) (tasks.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, task := range f.list {
		if task.ID == taskID {
			f.current = &task
			return task, nil
		}
	}
	return tasks.Task{}, &apiclient.Error{Op: "get task", Status: http.StatusNotFound, Message: "task not found"}
}

func (f *fakeStore) GetTaskResult(_ context.Context, taskID string) (tasks.Result, error) {
	return tasks.Result{TaskID: taskID, Status: tasks.TaskStatusCompleted, Result: map[string]any{"files": float64(3)}}, nil
}

func (f *fakeStore) CancelTask(_ context.Context, taskID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	return nil
}

func (f *fakeStore) Tasks() []tasks.Task {
	return f.filter(func(tasks.Task) bool { return true })
}

func (f *fakeStore) Running() []tasks.Task {
	return f.filter(func(t tasks.Task) bool { return t.Status == tasks.TaskStatusRunning })
}

func (f *fakeStore) Completed() []tasks.Task {
	return f.filter(func(t tasks.Task) bool { return t.Status == tasks.TaskStatusCompleted })
}

func (f *fakeStore) Failed() []tasks.Task {
	return f.filter(func(t tasks.Task) bool { return t.Status == tasks.TaskStatusFailed })
}

func (f *fakeStore) Current() (tasks.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return tasks.Task{}, false
	}
	return *f.current, true
}

func (f *fakeStore) SetCurrent(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID == "" {
		f.current = nil
		return nil
	}
	for _, task := range f.list {
		if task.ID == taskID {
			f.current = &task
			return nil
		}
	}
	return tasks.ErrTaskNotFound
}

func (f *fakeStore) Loading() bool { return false }

func (f *fakeStore) filter(keep func(tasks.Task) bool) []tasks.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tasks.Task
	for _, task := range f.list {
		if keep(task) {
			out = append(out, task)
		}
	}
	return out
}

type fixedLive int

func (n fixedLive) LiveCount() int { return int(n) }

func newTestServer(t *testing.T, store *fakeStore) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi", reg)
	srv := New(config.Config{StorageBackend: "memory"}, store, fixedLive(2), metrics, reg, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, newFakeStore())

	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, res.StatusCode, path)

		var payload map[string]any
		decodeBody(t, res, &payload)
		assert.Equal(t, "memory", payload["storage_backend"])
		assert.Equal(t, float64(2), payload["live_connections"])
	}
}

func TestMetricsServesInjectedRegistry(t *testing.T) {
	ts := newTestServer(t, newFakeStore())

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(res.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "test_httpapi_live_connections")
}

func TestCreateAndListTasks(t *testing.T) {
	store := newFakeStore()
	ts := newTestServer(t, store)

	body, _ := json.Marshal(map[string]any{
		"type":   "analysis",
		"name":   "scan.py analysis",
		"params": map[string]any{"path": "scan.py"},
	})
	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var created tasks.Task
	decodeBody(t, res, &created)
	assert.Equal(t, "t-1", created.ID)
	assert.Equal(t, tasks.TaskStatusPending, created.Status)

	res, err = http.Get(ts.URL + "/v1/tasks")
	require.NoError(t, err)
	var list taskListResponse
	decodeBody(t, res, &list)
	assert.Equal(t, "all", list.View)
	assert.Equal(t, 1, list.Total)

	res, err = http.Get(ts.URL + "/v1/tasks?view=running")
	require.NoError(t, err)
	decodeBody(t, res, &list)
	assert.Equal(t, 0, list.Total)
	assert.NotNil(t, list.Tasks)
}

func TestCreateTaskValidation(t *testing.T) {
	ts := newTestServer(t, newFakeStore())

	cases := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "unknown type", body: `{"type":"compile","name":"x"}`},
		{name: "missing name", body: `{"type":"analysis","name":"  "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			var payload errorResponse
			decodeBody(t, res, &payload)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.Equal(t, "invalid_request", payload.Code)
		})
	}
}

func TestCreateTaskUpstreamFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = &apiclient.Error{Op: "create task", Status: http.StatusInternalServerError, Message: "boom"}
	ts := newTestServer(t, store)

	res, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(`{"type":"analysis","name":"x"}`))
	require.NoError(t, err)
	var payload errorResponse
	decodeBody(t, res, &payload)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "task_create_failed", payload.Code)
}

func TestListTasksRejectsUnknownView(t *testing.T) {
	ts := newTestServer(t, newFakeStore())

	res, err := http.Get(ts.URL + "/v1/tasks?view=archived")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGetTaskAndResult(t *testing.T) {
	store := newFakeStore()
	store.list = []tasks.Task{{ID: "t-7", Name: "history", Type: tasks.TaskTypeGitHistory, Status: tasks.TaskStatusCompleted, Progress: 100}}
	ts := newTestServer(t, store)

	res, err := http.Get(ts.URL + "/v1/tasks/t-7")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var task tasks.Task
	decodeBody(t, res, &task)
	assert.Equal(t, 100, task.Progress)

	res, err = http.Get(ts.URL + "/v1/tasks/t-7/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var result tasks.Result
	decodeBody(t, res, &result)
	assert.Equal(t, "t-7", result.TaskID)
	assert.Equal(t, float64(3), result.Result["files"])

	res, err = http.Get(ts.URL + "/v1/tasks/missing")
	require.NoError(t, err)
	var payload errorResponse
	decodeBody(t, res, &payload)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "task_not_found", payload.Code)
}

func TestCancelTask(t *testing.T) {
	store := newFakeStore()
	ts := newTestServer(t, store)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/t-3", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var payload map[string]any
	decodeBody(t, res, &payload)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "cancelled", payload["status"])

	store.cancelErr = errors.New("network down")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestReloadSelectAndState(t *testing.T) {
	store := newFakeStore()
	store.list = []tasks.Task{
		{ID: "t-2", Status: tasks.TaskStatusRunning},
		{ID: "t-1", Status: tasks.TaskStatusFailed},
	}
	ts := newTestServer(t, store)

	res, err := http.Post(ts.URL+"/v1/tasks/reload", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, store.reloads)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/tasks/current", strings.NewReader(`{"task_id":"t-2"}`))
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var state stateResponse
	decodeBody(t, res, &state)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotNil(t, state.Current)
	assert.Equal(t, "t-2", state.Current.ID)
	assert.Equal(t, 2, state.Total)
	assert.Equal(t, 1, state.Running)
	assert.Equal(t, 1, state.Failed)
	assert.Equal(t, 2, state.Live)

	req, err = http.NewRequest(http.MethodPut, ts.URL+"/v1/tasks/current", strings.NewReader(`{"task_id":"nope"}`))
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPerfLatency(t *testing.T) {
	ts := newTestServer(t, newFakeStore())

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	require.NoError(t, err)
	var payload map[string]any
	decodeBody(t, res, &payload)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, payload, "stages")
}

func TestEventsWebSocketStreamsStoreEvents(t *testing.T) {
	store := newFakeStore()
	ts := newTestServer(t, store)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	store.events <- tasks.Event{Type: tasks.EventTaskUpdated, TaskID: "t-1", At: time.Now().UTC()}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt tasks.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, tasks.EventTaskUpdated, evt.Type)
	assert.Equal(t, "t-1", evt.TaskID)
}

func TestEventsWebSocketRejectsCrossOrigin(t *testing.T) {
	ts := newTestServer(t, newFakeStore())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
