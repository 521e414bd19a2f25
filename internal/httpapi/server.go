package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/config"
	"github.com/xiaocainiao633/codesage/internal/logging"
	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

// TaskStore is the slice of tasks.Store the local API drives.
type TaskStore interface {
	Subscribe() (<-chan tasks.Event, func())
	CreateTask(ctx context.Context, taskType tasks.TaskType, name, description string, params map[string]any) (tasks.Task, error)
	LoadTasks(ctx context.Context) error
	GetTask(ctx context.Context, taskID string) (tasks.Task, error)
	GetTaskResult(ctx context.Context, taskID string) (tasks.Result, error)
	CancelTask(ctx context.Context, taskID string) error
	Tasks() []tasks.Task
	Running() []tasks.Task
	Completed() []tasks.Task
	Failed() []tasks.Task
	Current() (tasks.Task, bool)
	SetCurrent(taskID string) error
	Loading() bool
}

// LiveCounter reports open push connections.
type LiveCounter interface {
	LiveCount() int
}

type Server struct {
	cfg      config.Config
	store    TaskStore
	streams  LiveCounter
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New builds the local API. A nil gatherer serves the default registry.
func New(cfg config.Config, store TaskStore, streams LiveCounter, metrics *observability.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		streams:  streams,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logging.OrNop(logger).Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser clients may follow task events.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	metricsHandler := observability.MetricsHandler()
	if s.gatherer != nil {
		metricsHandler = observability.HandlerFor(s.gatherer)
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/state", s.handleState)
	r.Get("/v1/events/ws", s.handleEventsWS)

	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks", s.handleCreateTask)
	r.Post("/v1/tasks/reload", s.handleReloadTasks)
	r.Put("/v1/tasks/current", s.handleSetCurrent)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Get("/v1/tasks/{id}/result", s.handleGetTaskResult)
	r.Delete("/v1/tasks/{id}", s.handleCancelTask)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"storage_backend":  s.cfg.StorageBackend,
		"live_connections": s.liveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "task store not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"storage_backend":  s.cfg.StorageBackend,
		"live_connections": s.liveCount(),
	})
}

const (
	eventsWriteTimeout = 10 * time.Second
	eventsReadTimeout  = 120 * time.Second
	eventsPingInterval = 30 * time.Second
)

// handleEventsWS streams store events to one client until either side goes
// away. Client frames are read only to observe close and pong.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "task store not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	logger := s.logger.With(zap.String("client_id", clientID))
	logger.Debug("events client connected")
	s.metrics.ObserveStreamEvent("events_client_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(eventsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
					cancel()
					return
				}
			case evt, ok := <-events:
				if !ok {
					cancel()
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
				if err := conn.WriteJSON(evt); err != nil {
					logger.Debug("events write failed", zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(eventsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(eventsReadTimeout))
		return nil
	})

	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage once the writer has given up.
		_ = conn.SetReadDeadline(time.Now())
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
	s.metrics.ObserveStreamEvent("events_client_disconnected")
	logger.Debug("events client disconnected")
}

func (s *Server) liveCount() int {
	if s.streams == nil {
		return 0
	}
	return s.streams.LiveCount()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
