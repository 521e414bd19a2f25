package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/logging"
	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/protocol"
	"github.com/xiaocainiao633/codesage/internal/storage"
	"github.com/xiaocainiao633/codesage/internal/stream"
)

var ErrTaskNotFound = errors.New("task not found")

const (
	DefaultSnapshotKey   = "codesage_tasks"
	DefaultSnapshotLimit = 100

	subscriberBuffer = 256
)

type StoreOptions struct {
	API     API
	Streams Streams
	KV      storage.KV

	SnapshotKey         string
	SnapshotLimit       int
	AutoCloseOnTerminal bool
	PersistTimeout      time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Store is the in-process cache of tasks. It drives push subscriptions for
// live tasks and rewrites a bounded snapshot after every mutation.
type Store struct {
	mu sync.RWMutex

	tasks   []Task // most recent first
	current *Task
	loading int

	subscribers map[int]chan Event
	nextSubID   int

	persistMu    sync.Mutex
	persistSeq   uint64
	persistedSeq uint64

	api            API
	streams        Streams
	kv             storage.KV
	snapshotKey    string
	snapshotLimit  int
	autoClose      bool
	persistTimeout time.Duration
	now            func() time.Time

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewStore reads the persisted snapshot once. A missing or unreadable
// snapshot starts the store empty.
func NewStore(ctx context.Context, opts StoreOptions) (*Store, error) {
	if opts.API == nil {
		return nil, errors.New("tasks: api is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("tasks: streams are required")
	}
	if opts.KV == nil {
		opts.KV = storage.NewMemory()
	}
	if strings.TrimSpace(opts.SnapshotKey) == "" {
		opts.SnapshotKey = DefaultSnapshotKey
	}
	if opts.SnapshotLimit <= 0 {
		opts.SnapshotLimit = DefaultSnapshotLimit
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 2 * time.Second
	}

	s := &Store{
		subscribers:    make(map[int]chan Event),
		api:            opts.API,
		streams:        opts.Streams,
		kv:             opts.KV,
		snapshotKey:    opts.SnapshotKey,
		snapshotLimit:  opts.SnapshotLimit,
		autoClose:      opts.AutoCloseOnTerminal,
		persistTimeout: opts.PersistTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logging.OrNop(opts.Logger).Named("tasks"),
		metrics:        opts.Metrics,
	}
	s.tasks = s.restore(ctx)
	return s, nil
}

func (s *Store) restore(ctx context.Context) []Task {
	raw, err := s.kv.Get(ctx, s.snapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return []Task{}
	}
	if err != nil {
		s.logger.Warn("snapshot read failed", zap.String("key", s.snapshotKey), zap.Error(err))
		s.metrics.ObservePersistError("read")
		return []Task{}
	}
	var list []Task
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("snapshot malformed, starting empty", zap.String("key", s.snapshotKey), zap.Error(err))
		s.metrics.ObservePersistError("decode")
		return []Task{}
	}
	out := make([]Task, 0, len(list))
	for _, t := range list {
		if strings.TrimSpace(t.ID) == "" {
			continue
		}
		t.Progress = clampProgress(t.Progress)
		out = append(out, t)
	}
	s.logger.Info("snapshot restored", zap.Int("tasks", len(out)))
	return out
}

func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Store) CreateTask(ctx context.Context, taskType TaskType, name, description string, params map[string]any) (Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Task{}, errors.New("create task: name is required")
	}
	if !taskType.Valid() {
		return Task{}, fmt.Errorf("create task: unknown task type %q", taskType)
	}

	release := s.acquireLoading()
	defer release()

	resp, err := s.api.CreateTask(ctx, CreateRequest{
		Type:        taskType,
		Name:        name,
		Description: description,
		Params:      params,
	})
	if err != nil {
		s.logger.Warn("create task failed", zap.String("name", name), zap.Error(err))
		return Task{}, fmt.Errorf("create task: %w", err)
	}

	now := s.now()
	task := Task{
		ID:          resp.TaskID,
		Name:        name,
		Type:        taskType,
		Status:      TaskStatusPending,
		Progress:    0,
		Description: description,
		Params:      cloneMap(params),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.removeLocked(task.ID)
	s.tasks = append([]Task{task}, s.tasks...)
	seq, snapshot := s.snapshotLocked()
	s.publishLocked(Event{Type: EventTaskCreated, TaskID: task.ID, Task: taskPtr(task)})
	s.mu.Unlock()

	s.persist(seq, snapshot)
	s.logger.Info("task created", zap.String("task_id", task.ID), zap.String("type", string(taskType)), zap.String("name", name))
	s.watch(task.ID)
	return task.Clone(), nil
}

// UpdateTask merges u into the task with id taskID and into the current
// task slot. Unknown ids are ignored.
func (s *Store) UpdateTask(taskID string, u Update) (Task, bool) {
	return s.update(taskID, u, EventTaskUpdated)
}

func (s *Store) update(taskID string, u Update, evtType EventType) (Task, bool) {
	now := s.now()

	s.mu.Lock()
	idx := s.indexLocked(taskID)
	inCurrent := s.current != nil && s.current.ID == taskID
	if idx < 0 && !inCurrent {
		s.mu.Unlock()
		return Task{}, false
	}

	var (
		merged    Task
		changed   bool
		closeSubs bool
	)
	if idx >= 0 {
		prev := s.tasks[idx].Status
		var stale bool
		changed, stale = s.mergeLocked(&s.tasks[idx], u, now)
		if stale {
			s.metrics.ObserveTaskEvent("stale_update_dropped")
			s.logger.Debug("dropping stale update for terminal task", zap.String("task_id", taskID), zap.String("status", string(prev)))
		}
		merged = s.tasks[idx]
		closeSubs = s.autoClose && !prev.Terminal() && (merged.Status == TaskStatusCompleted || merged.Status == TaskStatusFailed)
	}
	if inCurrent {
		c, _ := s.mergeLocked(s.current, u, now)
		changed = changed || c
		if idx < 0 {
			merged = *s.current
		}
	}
	if !changed {
		s.mu.Unlock()
		return merged.Clone(), true
	}

	seq, snapshot := s.snapshotLocked()
	s.publishLocked(Event{Type: evtType, TaskID: taskID, Task: taskPtr(merged), Message: u.Message})
	s.mu.Unlock()

	s.persist(seq, snapshot)
	if closeSubs {
		s.logger.Info("task reached terminal status, closing subscriptions", zap.String("task_id", taskID), zap.String("status", string(merged.Status)))
		s.streams.Close(taskID)
	}
	return merged.Clone(), true
}

// mergeLocked applies u to t. Streamed updates cannot move a terminal task
// or change its progress; they are reported as stale.
func (s *Store) mergeLocked(t *Task, u Update, now time.Time) (changed, stale bool) {
	if !u.Authoritative && t.Status.Terminal() {
		if u.Status != nil && *u.Status != t.Status {
			stale = true
		}
		if u.Progress != nil && clampProgress(*u.Progress) != t.Progress {
			stale = true
		}
		u = Update{Thoughts: u.Thoughts}
	}

	if u.Name != nil && *u.Name != "" && *u.Name != t.Name {
		t.Name = *u.Name
		changed = true
	}
	if u.Description != nil && *u.Description != t.Description {
		t.Description = *u.Description
		changed = true
	}
	if u.Progress != nil {
		if p := clampProgress(*u.Progress); p != t.Progress {
			t.Progress = p
			changed = true
		}
	}
	if u.Status != nil && *u.Status != t.Status {
		t.Status = *u.Status
		changed = true
		switch {
		case t.Status == TaskStatusRunning && t.StartedAt == nil:
			t.StartedAt = timePtr(now)
		case t.Status.Terminal() && t.CompletedAt == nil:
			t.CompletedAt = timePtr(now)
		}
	}
	if u.Result != nil {
		t.Result = cloneMap(u.Result)
		changed = true
	}
	if u.Error != nil && *u.Error != t.Error {
		t.Error = *u.Error
		changed = true
	}
	if u.StartedAt != nil {
		t.StartedAt = timePtr(*u.StartedAt)
		changed = true
	}
	if u.CompletedAt != nil {
		t.CompletedAt = timePtr(*u.CompletedAt)
		changed = true
	}
	if len(u.Thoughts) > 0 {
		t.AgentThoughts = append(t.AgentThoughts, u.Thoughts...)
		changed = true
	}
	if u.Message != "" {
		changed = true
	}
	if changed {
		t.UpdatedAt = now
	}
	return changed, stale
}

// LoadTasks replaces the cache with the server's list and resumes streaming
// for every running task.
func (s *Store) LoadTasks(ctx context.Context) error {
	release := s.acquireLoading()
	defer release()

	list, err := s.api.ListTasks(ctx)
	if err != nil {
		s.logger.Warn("load tasks failed", zap.Error(err))
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	thoughts := make(map[string][]AgentThought, len(s.tasks))
	for _, t := range s.tasks {
		if len(t.AgentThoughts) > 0 {
			thoughts[t.ID] = t.AgentThoughts
		}
	}
	next := make([]Task, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, t := range list {
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		t.Progress = clampProgress(t.Progress)
		if len(t.AgentThoughts) == 0 {
			t.AgentThoughts = thoughts[t.ID]
		}
		next = append(next, t)
	}
	s.tasks = next
	if s.current != nil {
		if idx := s.indexLocked(s.current.ID); idx >= 0 {
			s.current = taskPtr(s.tasks[idx])
		}
	}

	var running, terminal []string
	for _, t := range s.tasks {
		switch {
		case t.Status == TaskStatusRunning:
			running = append(running, t.ID)
		case t.Terminal():
			terminal = append(terminal, t.ID)
		}
	}
	seq, snapshot := s.snapshotLocked()
	s.publishLocked(Event{Type: EventTasksLoaded, Count: len(s.tasks)})
	s.mu.Unlock()

	s.persist(seq, snapshot)
	for _, id := range terminal {
		s.streams.Close(id)
	}
	for _, id := range running {
		s.watch(id)
	}
	s.logger.Info("tasks loaded", zap.Int("tasks", len(next)), zap.Int("resumed", len(running)))
	return nil
}

// GetTask fetches one task, merges it into the cache and selects it.
func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, ErrTaskNotFound
	}
	task, err := s.api.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if task.ID == "" {
		task.ID = taskID
	}
	task.Progress = clampProgress(task.Progress)

	merged, ok := s.UpdateTask(taskID, UpdateFromTask(task))
	if !ok {
		merged = task
	}

	s.mu.Lock()
	s.current = taskPtr(merged)
	s.publishLocked(Event{Type: EventTaskSelected, TaskID: taskID, Task: taskPtr(merged)})
	s.mu.Unlock()
	return merged.Clone(), nil
}

func (s *Store) GetTaskResult(ctx context.Context, taskID string) (Result, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Result{}, ErrTaskNotFound
	}
	res, err := s.api.GetTaskResult(ctx, taskID)
	if err != nil {
		return Result{}, fmt.Errorf("get task result %s: %w", taskID, err)
	}

	u := Update{Result: res.Result, Authoritative: true}
	if res.Status.Valid() {
		u.Status = ptr(res.Status)
	}
	s.UpdateTask(taskID, u)
	return res, nil
}

// CancelTask cancels remotely, marks the task cancelled and stops listening
// to its streams.
func (s *Store) CancelTask(ctx context.Context, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return ErrTaskNotFound
	}
	if err := s.api.CancelTask(ctx, taskID); err != nil {
		s.logger.Warn("cancel task failed", zap.String("task_id", taskID), zap.Error(err))
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	s.update(taskID, Update{Status: ptr(TaskStatusCancelled), Authoritative: true}, EventTaskCancelled)
	s.streams.Close(taskID)
	s.logger.Info("task cancelled", zap.String("task_id", taskID))
	return nil
}

// Cleanup closes every live subscription.
func (s *Store) Cleanup() {
	s.streams.CloseAll()
}

func (s *Store) Tasks() []Task {
	return s.filter(func(Task) bool { return true })
}

func (s *Store) Running() []Task {
	return s.filter(func(t Task) bool { return t.Status == TaskStatusRunning })
}

func (s *Store) Completed() []Task {
	return s.filter(func(t Task) bool { return t.Status == TaskStatusCompleted })
}

func (s *Store) Failed() []Task {
	return s.filter(func(t Task) bool { return t.Status == TaskStatusFailed })
}

func (s *Store) Task(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := s.indexLocked(taskID); idx >= 0 {
		return s.tasks[idx].Clone(), true
	}
	return Task{}, false
}

func (s *Store) Current() (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Task{}, false
	}
	return s.current.Clone(), true
}

// SetCurrent selects a cached task. An empty id clears the selection.
func (s *Store) SetCurrent(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID == "" {
		s.current = nil
		s.publishLocked(Event{Type: EventTaskSelected})
		return nil
	}
	idx := s.indexLocked(taskID)
	if idx < 0 {
		return ErrTaskNotFound
	}
	s.current = taskPtr(s.tasks[idx])
	s.publishLocked(Event{Type: EventTaskSelected, TaskID: taskID, Task: taskPtr(s.tasks[idx])})
	return nil
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

func (s *Store) filter(keep func(Task) bool) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// watch opens both push channels for taskID, each feeding a fresh
// ProgressHandler bound to UpdateTask.
func (s *Store) watch(taskID string) {
	if err := s.streams.OpenProgress(taskID, s.handlerFor(taskID, stream.ChannelProgress)); err != nil {
		s.logger.Warn("open progress stream failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.streams.OpenThoughts(taskID, s.handlerFor(taskID, stream.ChannelAgent)); err != nil {
		s.logger.Warn("open thought stream failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Store) handlerFor(taskID string, ch stream.Channel) stream.Handler {
	ph := NewProgressHandler(taskID, func(u Update) {
		s.UpdateTask(taskID, u)
	}, s.logger)
	return func(env protocol.Envelope) {
		if env.Type == protocol.TypeSystem {
			s.connectionNotice(taskID, ch, env)
			return
		}
		ph.Handle(env)
	}
}

func (s *Store) connectionNotice(taskID string, ch stream.Channel, env protocol.Envelope) {
	data, err := env.System()
	if err != nil {
		s.logger.Warn("invalid system payload", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if data.Code == protocol.SystemCodeConnectionFailed {
		s.logger.Warn("push channel gave up", zap.String("task_id", taskID), zap.String("channel", string(ch)))
	}
	s.mu.Lock()
	s.publishLocked(Event{
		Type:    EventConnection,
		TaskID:  taskID,
		Channel: string(ch),
		Code:    data.Code,
		Message: data.Message,
	})
	s.mu.Unlock()
}

// acquireLoading raises the loading flag until the returned func is called.
func (s *Store) acquireLoading() func() {
	s.mu.Lock()
	s.loading++
	if s.loading == 1 {
		s.publishLocked(Event{Type: EventLoading, Loading: true})
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.loading--
			if s.loading == 0 {
				s.publishLocked(Event{Type: EventLoading, Loading: false})
			}
		})
	}
}

func (s *Store) indexLocked(taskID string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			return i
		}
	}
	return -1
}

func (s *Store) removeLocked(taskID string) {
	if idx := s.indexLocked(taskID); idx >= 0 {
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
	}
}

// snapshotLocked encodes the bounded snapshot and stamps it with a sequence
// number so writes land in mutation order.
func (s *Store) snapshotLocked() (uint64, []byte) {
	n := len(s.tasks)
	if n > s.snapshotLimit {
		n = s.snapshotLimit
	}
	raw, err := json.Marshal(s.tasks[:n])
	if err != nil {
		s.logger.Error("snapshot encode failed", zap.Error(err))
		s.metrics.ObservePersistError("encode")
		return 0, nil
	}
	s.persistSeq++
	return s.persistSeq, raw
}

func (s *Store) persist(seq uint64, snapshot []byte) {
	if snapshot == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.persistedSeq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.kv.Put(ctx, s.snapshotKey, snapshot); err != nil {
		s.logger.Warn("snapshot write failed", zap.String("key", s.snapshotKey), zap.Error(err))
		s.metrics.ObservePersistError("write")
		return
	}
	s.persistedSeq = seq
}

func (s *Store) publishLocked(evt Event) {
	if evt.At.IsZero() {
		evt.At = s.now()
	}
	s.metrics.ObserveTaskEvent(string(evt.Type))
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func taskPtr(t Task) *Task {
	c := t.Clone()
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
