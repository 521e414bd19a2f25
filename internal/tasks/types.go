package tasks

import (
	"context"
	"time"

	"github.com/xiaocainiao633/codesage/internal/stream"
)

type TaskType string

const (
	TaskTypeAnalysis   TaskType = "analysis"
	TaskTypeConvert    TaskType = "convert"
	TaskTypeTest       TaskType = "test"
	TaskTypeGitClone   TaskType = "git_clone"
	TaskTypeGitAnalyze TaskType = "git_analyze"
	TaskTypeGitHistory TaskType = "git_history"
	TaskTypeGitDiff    TaskType = "git_diff"
	TaskTypeBatch      TaskType = "batch"
)

var TaskTypes = []TaskType{
	TaskTypeAnalysis,
	TaskTypeConvert,
	TaskTypeTest,
	TaskTypeGitClone,
	TaskTypeGitAnalyze,
	TaskTypeGitHistory,
	TaskTypeGitDiff,
	TaskTypeBatch,
}

func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

type ThoughtKind string

const (
	ThoughtKindThought ThoughtKind = "thought"
	ThoughtKindAction  ThoughtKind = "action"
	ThoughtKindResult  ThoughtKind = "result"
)

type AgentThought struct {
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Type      ThoughtKind `json:"type"`
}

type Task struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          TaskType       `json:"type"`
	Status        TaskStatus     `json:"status"`
	Progress      int            `json:"progress"`
	Description   string         `json:"description,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	AgentThoughts []AgentThought `json:"agent_thoughts,omitempty"`
}

// Clone copies the slices and top-level maps so the result can be handed to
// other goroutines.
func (t Task) Clone() Task {
	out := t
	if t.AgentThoughts != nil {
		out.AgentThoughts = make([]AgentThought, len(t.AgentThoughts))
		copy(out.AgentThoughts, t.AgentThoughts)
	}
	out.Params = cloneMap(t.Params)
	out.Result = cloneMap(t.Result)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

// Update is a partial task change. Nil fields are left untouched; Thoughts
// are appended. Message is transient and only surfaced on the emitted event.
type Update struct {
	Name        *string
	Description *string
	Status      *TaskStatus
	Progress    *int
	Result      map[string]any
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Thoughts    []AgentThought
	Message     string

	// Authoritative updates come from the request layer and may rewrite a
	// terminal task.
	Authoritative bool
}

// UpdateFromTask builds an authoritative update carrying every server-owned
// field of t.
func UpdateFromTask(t Task) Update {
	u := Update{
		Name:          ptr(t.Name),
		Description:   ptr(t.Description),
		Result:        cloneMap(t.Result),
		Error:         ptr(t.Error),
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		Authoritative: true,
	}
	if t.Status.Valid() {
		u.Status = ptr(t.Status)
	}
	u.Progress = ptr(t.Progress)
	return u
}

type CreateRequest struct {
	Type        TaskType       `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

type CreateResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type Result struct {
	TaskID string         `json:"task_id"`
	Result map[string]any `json:"result"`
	Status TaskStatus     `json:"status"`
}

// API is the remote request layer that owns task records.
type API interface {
	CreateTask(ctx context.Context, req CreateRequest) (CreateResponse, error)
	ListTasks(ctx context.Context) ([]Task, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	GetTaskResult(ctx context.Context, taskID string) (Result, error)
	CancelTask(ctx context.Context, taskID string) error
}

// Streams opens and tears down live push subscriptions.
type Streams interface {
	OpenProgress(taskID string, handler stream.Handler) error
	OpenThoughts(taskID string, handler stream.Handler) error
	Close(taskID string)
	CloseAll()
	IsOpen(taskID string) bool
}

type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskUpdated   EventType = "task_updated"
	EventTasksLoaded   EventType = "tasks_loaded"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskSelected  EventType = "task_selected"
	EventConnection    EventType = "connection"
	EventLoading       EventType = "loading"
)

type Event struct {
	Type    EventType `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	Task    *Task     `json:"task,omitempty"`
	Channel string    `json:"channel,omitempty"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	Loading bool      `json:"loading"`
	Count   int       `json:"count,omitempty"`
	At      time.Time `json:"at"`
}

func ptr[T any](v T) *T {
	return &v
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
