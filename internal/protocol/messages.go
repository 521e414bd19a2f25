package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies push envelope variants.
type MessageType string

const (
	TypeTaskProgress MessageType = "task_progress"
	TypeAgentThought MessageType = "agent_thought"
	TypeSystem       MessageType = "system"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
)

// System notice codes synthesized by the client.
const (
	SystemCodeConnected        = "connected"
	SystemCodeConnectionFailed = "connection_failed"
)

// Thought steps carried by agent_thought payloads.
const (
	StepThought = "thought"
	StepAction  = "action"
	StepResult  = "result"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the wire shape of every push message. Data is decoded lazily
// because its shape depends on Type.
type Envelope struct {
	Type      MessageType     `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type ProgressData struct {
	Progress int    `json:"progress"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

type ThoughtData struct {
	Thought string `json:"thought"`
	Step    string `json:"step"`
}

type SystemData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskProgress, TypeAgentThought, TypeSystem, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// Decode parses one text frame. Unknown types are rejected with
// ErrUnsupportedType so callers can drop them without closing the connection.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	env.Type = MessageType(strings.TrimSpace(string(env.Type)))
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
	env.TaskID = strings.TrimSpace(env.TaskID)
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage(`{}`)
	}
	return json.Marshal(env)
}

func (e Envelope) Progress() (ProgressData, error) {
	var out ProgressData
	if e.Type != TypeTaskProgress {
		return out, fmt.Errorf("envelope type %q is not %q", e.Type, TypeTaskProgress)
	}
	if err := decodeData(e.Data, &out); err != nil {
		return ProgressData{}, fmt.Errorf("invalid task_progress data: %w", err)
	}
	return out, nil
}

func (e Envelope) Thought() (ThoughtData, error) {
	var out ThoughtData
	if e.Type != TypeAgentThought {
		return out, fmt.Errorf("envelope type %q is not %q", e.Type, TypeAgentThought)
	}
	if err := decodeData(e.Data, &out); err != nil {
		return ThoughtData{}, fmt.Errorf("invalid agent_thought data: %w", err)
	}
	return out, nil
}

func (e Envelope) System() (SystemData, error) {
	var out SystemData
	if e.Type != TypeSystem {
		return out, fmt.Errorf("envelope type %q is not %q", e.Type, TypeSystem)
	}
	if err := decodeData(e.Data, &out); err != nil {
		return SystemData{}, fmt.Errorf("invalid system data: %w", err)
	}
	return out, nil
}

func NewSystem(taskID, code, message string) Envelope {
	data, _ := json.Marshal(SystemData{Code: code, Message: message})
	return Envelope{
		Type:      TypeSystem,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewPong(taskID string) Envelope {
	return Envelope{
		Type:      TypePong,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      json.RawMessage(`{}`),
	}
}

func NewProgress(taskID string, progress int, status, message string) Envelope {
	data, _ := json.Marshal(ProgressData{Progress: progress, Status: status, Message: message})
	return Envelope{
		Type:      TypeTaskProgress,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewThought(taskID, thought, step string) Envelope {
	data, _ := json.Marshal(ThoughtData{Thought: thought, Step: step})
	return Envelope{
		Type:      TypeAgentThought,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func decodeData(raw json.RawMessage, out any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
