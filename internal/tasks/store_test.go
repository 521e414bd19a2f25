package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/protocol"
	"github.com/xiaocainiao633/codesage/internal/storage"
	"github.com/xiaocainiao633/codesage/internal/stream"
)

type fakeAPI struct {
	mu        sync.Mutex
	nextID    int
	createErr error
	cancelErr error
	list      []Task
	byID      map[string]Task
	results   map[string]Result
	creates   []CreateRequest
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{byID: make(map[string]Task), results: make(map[string]Result)}
}

func (f *fakeAPI) CreateTask(_ context.Context, req CreateRequest) (CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return CreateResponse{}, f.createErr
	}
	f.creates = append(f.creates, req)
	id := fmt.Sprintf("t-%03d", f.nextID)
	f.nextID++
	return CreateResponse{TaskID: id, Message: "created"}, nil
}

func (f *fakeAPI) ListTasks(context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Task(nil), f.list...), nil
}

func (f *fakeAPI) GetTask(_ context.Context, taskID string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return Task{}, errors.New("status 404: task not found")
	}
	return t, nil
}

func (f *fakeAPI) GetTaskResult(_ context.Context, taskID string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[taskID]
	if !ok {
		return Result{}, errors.New("status 400: no result")
	}
	return r, nil
}

func (f *fakeAPI) CancelTask(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelErr
}

type fakeStreams struct {
	mu       sync.Mutex
	handlers map[string]stream.Handler
	opened   []string
	closed   []string
	closeAll int
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{handlers: make(map[string]stream.Handler)}
}

func streamKey(taskID string, ch stream.Channel) string {
	return taskID + "/" + string(ch)
}

func (f *fakeStreams) OpenProgress(taskID string, h stream.Handler) error {
	return f.open(streamKey(taskID, stream.ChannelProgress), h)
}

func (f *fakeStreams) OpenThoughts(taskID string, h stream.Handler) error {
	return f.open(streamKey(taskID, stream.ChannelAgent), h)
}

func (f *fakeStreams) open(k string, h stream.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[k] = h
	f.opened = append(f.opened, k)
	return nil
}

func (f *fakeStreams) Close(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, streamKey(taskID, stream.ChannelProgress))
	delete(f.handlers, streamKey(taskID, stream.ChannelAgent))
	f.closed = append(f.closed, taskID)
}

func (f *fakeStreams) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = make(map[string]stream.Handler)
	f.closeAll++
}

func (f *fakeStreams) IsOpen(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, p := f.handlers[streamKey(taskID, stream.ChannelProgress)]
	_, a := f.handlers[streamKey(taskID, stream.ChannelAgent)]
	return p || a
}

func (f *fakeStreams) send(t *testing.T, taskID string, ch stream.Channel, env protocol.Envelope) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[streamKey(taskID, ch)]
	f.mu.Unlock()
	require.True(t, ok, "no handler for %s", streamKey(taskID, ch))
	h(env)
}

func (f *fakeStreams) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type failingKV struct{ storage.KV }

func (failingKV) Put(context.Context, string, []byte) error { return errors.New("disk full") }

type storeFixture struct {
	api     *fakeAPI
	streams *fakeStreams
	kv      storage.KV
	store   *Store
}

func newFixture(t *testing.T, mutate ...func(*StoreOptions)) *storeFixture {
	t.Helper()
	f := &storeFixture{api: newFakeAPI(), streams: newFakeStreams(), kv: storage.NewMemory()}
	opts := StoreOptions{
		API:                 f.api,
		Streams:             f.streams,
		KV:                  f.kv,
		AutoCloseOnTerminal: true,
		Logger:              zaptest.NewLogger(t),
		Metrics:             observability.NewMetrics("tasks_test", prometheus.NewRegistry()),
	}
	for _, m := range mutate {
		m(&opts)
	}
	store, err := NewStore(context.Background(), opts)
	require.NoError(t, err)
	f.store = store
	return f
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func readSnapshot(t *testing.T, kv storage.KV) []Task {
	t.Helper()
	raw, err := kv.Get(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)
	var list []Task
	require.NoError(t, json.Unmarshal(raw, &list))
	return list
}

func TestCreateTaskScenario(t *testing.T) {
	f := newFixture(t)
	events, unsubscribe := f.store.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	task, err := f.store.CreateTask(ctx, TaskTypeAnalysis, "scan.py analysis", "static scan", map[string]any{"file_path": "scan.py"})
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.Progress)
	assert.False(t, task.CreatedAt.IsZero())
	assert.ElementsMatch(t, []string{task.ID + "/progress", task.ID + "/agent"}, f.streams.opened)
	assert.False(t, f.store.Loading())

	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewSystem(task.ID, protocol.SystemCodeConnected, "ok"))
	f.streams.send(t, task.ID, stream.ChannelAgent, protocol.NewSystem(task.ID, protocol.SystemCodeConnected, "ok"))
	got, ok := f.store.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)

	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 42, "running", "parsing"))
	got, _ = f.store.Task(task.ID)
	assert.Equal(t, TaskStatusRunning, got.Status)
	assert.Equal(t, 42, got.Progress)
	assert.NotNil(t, got.StartedAt)

	f.streams.send(t, task.ID, stream.ChannelAgent, protocol.NewThought(task.ID, "reading imports", protocol.StepThought))
	got, _ = f.store.Task(task.ID)
	require.Len(t, got.AgentThoughts, 1)
	assert.Equal(t, "reading imports", got.AgentThoughts[0].Message)
	assert.Equal(t, ThoughtKindThought, got.AgentThoughts[0].Type)

	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 100, "completed", "done"))
	got, _ = f.store.Task(task.ID)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{task.ID}, f.streams.closedIDs())
	assert.False(t, f.streams.IsOpen(task.ID))

	types := eventTypes(drain(events))
	assert.Equal(t, []EventType{
		EventLoading,
		EventTaskCreated,
		EventLoading,
		EventConnection,
		EventConnection,
		EventTaskUpdated,
		EventTaskUpdated,
		EventTaskUpdated,
	}, types)

	snap := readSnapshot(t, f.kv)
	require.Len(t, snap, 1)
	assert.Equal(t, TaskStatusCompleted, snap[0].Status)
}

func TestProgressMessageIsTransient(t *testing.T) {
	f := newFixture(t)
	events, unsubscribe := f.store.Subscribe()
	defer unsubscribe()

	task, err := f.store.CreateTask(context.Background(), TaskTypeTest, "gen tests", "", nil)
	require.NoError(t, err)
	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 10, "running", "collecting fixtures"))

	var last Event
	for _, e := range drain(events) {
		if e.Type == EventTaskUpdated {
			last = e
		}
	}
	assert.Equal(t, "collecting fixtures", last.Message)
	raw, err := f.kv.Get(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "collecting fixtures")
}

func TestSnapshotKeepsMostRecentHundred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		_, err := f.store.CreateTask(ctx, TaskTypeConvert, fmt.Sprintf("task %d", i), "", nil)
		require.NoError(t, err)
	}

	snap := readSnapshot(t, f.kv)
	require.Len(t, snap, 100)
	assert.Equal(t, "t-149", snap[0].ID)
	assert.Equal(t, "t-050", snap[99].ID)
	assert.Len(t, f.store.Tasks(), 150)

	restored, err := NewStore(ctx, StoreOptions{API: f.api, Streams: newFakeStreams(), KV: f.kv})
	require.NoError(t, err)
	list := restored.Tasks()
	require.Len(t, list, 100)
	assert.Equal(t, "t-149", list[0].ID)
}

func TestCreateFailureLeavesNoTask(t *testing.T) {
	f := newFixture(t)
	f.api.createErr = errors.New("status 500: boom")
	events, unsubscribe := f.store.Subscribe()
	defer unsubscribe()

	_, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "scan.py analysis", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, f.api.createErr)
	assert.Empty(t, f.store.Tasks())
	assert.False(t, f.store.Loading())
	assert.Empty(t, f.streams.opened)

	evts := drain(events)
	require.Len(t, evts, 2)
	assert.True(t, evts[0].Loading)
	assert.False(t, evts[1].Loading)

	_, err = f.kv.Get(context.Background(), DefaultSnapshotKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateTask(context.Background(), "compile", "x", "", nil)
	assert.Error(t, err)
	_, err = f.store.CreateTask(context.Background(), TaskTypeBatch, "  ", "", nil)
	assert.Error(t, err)
	assert.Empty(t, f.api.creates)
}

func TestMalformedSnapshotStartsEmpty(t *testing.T) {
	kv := storage.NewMemory()
	require.NoError(t, kv.Put(context.Background(), DefaultSnapshotKey, []byte(`{"not":"a list"`)))

	s, err := NewStore(context.Background(), StoreOptions{API: newFakeAPI(), Streams: newFakeStreams(), KV: kv})
	require.NoError(t, err)
	assert.Empty(t, s.Tasks())
}

func TestUpdateUnknownTaskIsNoop(t *testing.T) {
	f := newFixture(t)
	_, ok := f.store.UpdateTask("ghost", Update{Progress: ptr(10)})
	assert.False(t, ok)
	_, err := f.kv.Get(context.Background(), DefaultSnapshotKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLastAppliedProgressWins(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)

	for _, p := range []int{10, 55, 30, 70} {
		f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, p, "running", ""))
	}
	got, _ := f.store.Task(task.ID)
	assert.Equal(t, 70, got.Progress)
	assert.Equal(t, TaskStatusRunning, got.Status)
}

func TestProgressIsClamped(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)

	f.store.UpdateTask(task.ID, Update{Progress: ptr(150)})
	got, _ := f.store.Task(task.ID)
	assert.Equal(t, 100, got.Progress)

	f.store.UpdateTask(task.ID, Update{Progress: ptr(-3)})
	got, _ = f.store.Task(task.ID)
	assert.Equal(t, 0, got.Progress)
}

func TestThoughtsAreAdditiveInOrder(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.streams.send(t, task.ID, stream.ChannelAgent, protocol.NewThought(task.ID, fmt.Sprintf("step %d", i), protocol.StepThought))
	}
	got, _ := f.store.Task(task.ID)
	require.Len(t, got.AgentThoughts, 5)
	for i, th := range got.AgentThoughts {
		assert.Equal(t, fmt.Sprintf("step %d", i), th.Message)
	}
}

func TestStreamedUpdatesCannotLeaveTerminalStatus(t *testing.T) {
	f := newFixture(t, func(o *StoreOptions) { o.AutoCloseOnTerminal = false })
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)

	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 100, "completed", ""))
	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 60, "running", "late"))
	got, _ := f.store.Task(task.ID)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	f.streams.send(t, task.ID, stream.ChannelAgent, protocol.NewThought(task.ID, "summary", protocol.StepResult))
	got, _ = f.store.Task(task.ID)
	require.Len(t, got.AgentThoughts, 1)
	assert.Equal(t, ThoughtKindResult, got.AgentThoughts[0].Type)

	f.store.UpdateTask(task.ID, Update{Status: ptr(TaskStatusRunning), Progress: ptr(5), Authoritative: true})
	got, _ = f.store.Task(task.ID)
	assert.Equal(t, TaskStatusRunning, got.Status)
	assert.Equal(t, 5, got.Progress)
	assert.Empty(t, f.streams.closedIDs())
}

func TestFailedStatusAutoClosesSubscriptions(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeGitClone, "clone", "", nil)
	require.NoError(t, err)

	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 20, "failed", "auth"))
	assert.Equal(t, []string{task.ID}, f.streams.closedIDs())
}

func TestLoadTasksResumesRunningTasks(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "local", "", nil)
	require.NoError(t, err)
	f.streams.send(t, task.ID, stream.ChannelAgent, protocol.NewThought(task.ID, "kept", protocol.StepThought))
	f.streams.opened = nil

	f.api.list = []Task{
		{ID: task.ID, Name: "local", Type: TaskTypeAnalysis, Status: TaskStatusRunning, Progress: 30},
		{ID: "p1", Name: "queued", Type: TaskTypeTest, Status: TaskStatusPending},
		{ID: "c1", Name: "done", Type: TaskTypeConvert, Status: TaskStatusCompleted, Progress: 100},
		{ID: "r2", Name: "other", Type: TaskTypeGitDiff, Status: TaskStatusRunning, Progress: 250},
	}
	events, unsubscribe := f.store.Subscribe()
	defer unsubscribe()

	require.NoError(t, f.store.LoadTasks(context.Background()))

	list := f.store.Tasks()
	require.Len(t, list, 4)
	assert.Len(t, f.store.Running(), 2)
	assert.Len(t, f.store.Completed(), 1)
	assert.Empty(t, f.store.Failed())
	assert.Equal(t, 100, list[3].Progress)
	require.Len(t, list[0].AgentThoughts, 1, "thought log survives a reload")

	assert.ElementsMatch(t, []string{
		task.ID + "/progress", task.ID + "/agent",
		"r2/progress", "r2/agent",
	}, f.streams.opened)
	assert.Contains(t, f.streams.closedIDs(), "c1")

	var loaded *Event
	for _, e := range drain(events) {
		if e.Type == EventTasksLoaded {
			e := e
			loaded = &e
		}
	}
	require.NotNil(t, loaded)
	assert.Equal(t, 4, loaded.Count)
}

func TestGetTaskSelectsAndTracksCurrent(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)
	f.api.byID[task.ID] = Task{ID: task.ID, Name: "a (server)", Status: TaskStatusRunning, Progress: 12}

	got, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "a (server)", got.Name)
	assert.Equal(t, 12, got.Progress)

	current, ok := f.store.Current()
	require.True(t, ok)
	assert.Equal(t, task.ID, current.ID)

	f.streams.send(t, task.ID, stream.ChannelProgress, protocol.NewProgress(task.ID, 64, "running", ""))
	current, _ = f.store.Current()
	assert.Equal(t, 64, current.Progress)

	_, err = f.store.GetTask(context.Background(), "missing")
	assert.Error(t, err)
}

func TestGetTaskResultMergesResult(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)
	f.api.results[task.ID] = Result{TaskID: task.ID, Status: TaskStatusCompleted, Result: map[string]any{"issues": 2}}

	res, err := f.store.GetTaskResult(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, res.Status)

	got, _ := f.store.Task(task.ID)
	assert.Equal(t, TaskStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Result["issues"])
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)
	events, unsubscribe := f.store.Subscribe()
	defer unsubscribe()

	require.NoError(t, f.store.CancelTask(context.Background(), task.ID))
	got, _ := f.store.Task(task.ID)
	assert.Equal(t, TaskStatusCancelled, got.Status)
	assert.False(t, f.streams.IsOpen(task.ID))
	assert.Contains(t, eventTypes(drain(events)), EventTaskCancelled)
}

func TestCancelFailureKeepsTask(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)
	f.api.cancelErr = errors.New("status 503")

	assert.Error(t, f.store.CancelTask(context.Background(), task.ID))
	got, _ := f.store.Task(task.ID)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.True(t, f.streams.IsOpen(task.ID))
}

func TestSetCurrent(t *testing.T) {
	f := newFixture(t)
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.store.SetCurrent("ghost"), ErrTaskNotFound)
	require.NoError(t, f.store.SetCurrent(task.ID))
	current, ok := f.store.Current()
	require.True(t, ok)
	assert.Equal(t, task.ID, current.ID)

	require.NoError(t, f.store.SetCurrent(""))
	_, ok = f.store.Current()
	assert.False(t, ok)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	f := newFixture(t, func(o *StoreOptions) { o.KV = failingKV{KV: storage.NewMemory()} })
	task, err := f.store.CreateTask(context.Background(), TaskTypeAnalysis, "a", "", nil)
	require.NoError(t, err)
	_, ok := f.store.Task(task.ID)
	assert.True(t, ok)
}

func TestCleanupClosesAll(t *testing.T) {
	f := newFixture(t)
	f.store.Cleanup()
	assert.Equal(t, 1, f.streams.closeAll)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := newFixture(t)
	events, unsubscribe := f.store.Subscribe()
	unsubscribe()
	unsubscribe()
	_, open := <-events
	assert.False(t, open)
}
