package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/apiclient"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

type createTaskRequest struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

type setCurrentRequest struct {
	TaskID string `json:"task_id"`
}

type taskListResponse struct {
	View  string       `json:"view"`
	Tasks []tasks.Task `json:"tasks"`
	Total int          `json:"total"`
}

type stateResponse struct {
	Loading   bool        `json:"loading"`
	Current   *tasks.Task `json:"current"`
	Total     int         `json:"total"`
	Running   int         `json:"running"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Live      int         `json:"live_connections"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	view := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("view")))
	if view == "" {
		view = "all"
	}

	var list []tasks.Task
	switch view {
	case "all":
		list = s.store.Tasks()
	case "running":
		list = s.store.Running()
	case "completed":
		list = s.store.Completed()
	case "failed":
		list = s.store.Failed()
	default:
		respondError(w, http.StatusBadRequest, "invalid_request", "view must be one of all, running, completed, failed")
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	respondJSON(w, http.StatusOK, taskListResponse{View: view, Tasks: list, Total: len(list)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	taskType := tasks.TaskType(strings.TrimSpace(req.Type))
	if !taskType.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_request", "unknown task type")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	task, err := s.store.CreateTask(r.Context(), taskType, req.Name, strings.TrimSpace(req.Description), req.Params)
	if err != nil {
		s.respondStoreError(w, "task_create_failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleReloadTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.store.LoadTasks(r.Context()); err != nil {
		s.respondStoreError(w, "task_reload_failed", err)
		return
	}
	list := s.store.Tasks()
	respondJSON(w, http.StatusOK, taskListResponse{View: "all", Tasks: list, Total: len(list)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		s.respondStoreError(w, "task_get_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	res, err := s.store.GetTaskResult(r.Context(), taskID)
	if err != nil {
		s.respondStoreError(w, "task_result_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	if err := s.store.CancelTask(r.Context(), taskID); err != nil {
		s.respondStoreError(w, "task_cancel_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  tasks.TaskStatusCancelled,
	})
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var req setCurrentRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.store.SetCurrent(req.TaskID); err != nil {
		s.respondStoreError(w, "task_select_failed", err)
		return
	}
	s.handleState(w, r)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	resp := stateResponse{
		Loading:   s.store.Loading(),
		Total:     len(s.store.Tasks()),
		Running:   len(s.store.Running()),
		Completed: len(s.store.Completed()),
		Failed:    len(s.store.Failed()),
		Live:      s.liveCount(),
	}
	if current, ok := s.store.Current(); ok {
		resp.Current = &current
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondStoreError maps store and request layer failures onto HTTP codes.
// Upstream statuses other than 404 surface as 502.
func (s *Server) respondStoreError(w http.ResponseWriter, code string, err error) {
	if errors.Is(err, tasks.ErrTaskNotFound) || apiclient.IsNotFound(err) {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		s.logger.Warn("request layer failure", zap.String("code", code), zap.Int("status", apiErr.Status), zap.Error(err))
		respondError(w, http.StatusBadGateway, code, err.Error())
		return
	}
	respondError(w, http.StatusBadRequest, code, err.Error())
}
