package tasks

import (
	"time"

	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/logging"
	"github.com/xiaocainiao633/codesage/internal/protocol"
)

// ProgressHandler turns push envelopes for one task into partial updates.
// It keeps no state of its own.
type ProgressHandler struct {
	taskID string
	apply  func(Update)
	now    func() time.Time
	logger *zap.Logger
}

func NewProgressHandler(taskID string, apply func(Update), logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{
		taskID: taskID,
		apply:  apply,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.OrNop(logger),
	}
}

func (h *ProgressHandler) Handle(env protocol.Envelope) {
	if env.TaskID != "" && env.TaskID != h.taskID {
		h.logger.Debug("dropping envelope for another task",
			zap.String("task_id", h.taskID),
			zap.String("envelope_task_id", env.TaskID),
			zap.String("type", string(env.Type)),
		)
		return
	}

	switch env.Type {
	case protocol.TypeTaskProgress:
		data, err := env.Progress()
		if err != nil {
			h.logger.Warn("invalid progress payload", zap.String("task_id", h.taskID), zap.Error(err))
			return
		}
		u := Update{
			Progress: ptr(data.Progress),
			Message:  data.Message,
		}
		if status := TaskStatus(data.Status); status.Valid() {
			u.Status = ptr(status)
		} else if data.Status != "" {
			h.logger.Warn("ignoring unknown task status", zap.String("task_id", h.taskID), zap.String("status", data.Status))
		}
		h.apply(u)

	case protocol.TypeAgentThought:
		data, err := env.Thought()
		if err != nil {
			h.logger.Warn("invalid thought payload", zap.String("task_id", h.taskID), zap.Error(err))
			return
		}
		kind := ThoughtKindThought
		if data.Step == protocol.StepResult {
			kind = ThoughtKindResult
		}
		h.apply(Update{Thoughts: []AgentThought{{
			Message:   data.Thought,
			Timestamp: h.now(),
			Type:      kind,
		}}})
	}
}
