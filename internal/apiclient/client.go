package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaocainiao633/codesage/internal/logging"
	"github.com/xiaocainiao633/codesage/internal/observability"
	"github.com/xiaocainiao633/codesage/internal/policy"
	"github.com/xiaocainiao633/codesage/internal/reliability"
	"github.com/xiaocainiao633/codesage/internal/tasks"
)

// Error is a non-2xx reply from the request layer.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: request layer status %d: %s", e.Op, e.Status, e.Message)
}

// Retryable reports whether the status is worth retrying. The store never
// retries on its own; callers may.
func (e *Error) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// IsNotFound reports whether err is a 404 from the request layer.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Options struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Client talks to <base>/api/v1/tasks.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ tasks.API = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base.String() + "/api/v1",
		token:   strings.TrimSpace(opts.AuthToken),
		client:  client,
		logger:  logging.OrNop(opts.Logger).Named("apiclient"),
		metrics: opts.Metrics,
	}, nil
}

func (c *Client) CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.CreateResponse, error) {
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	var out tasks.CreateResponse
	if err := c.do(ctx, "create task", http.MethodPost, "/tasks", req, &out); err != nil {
		return tasks.CreateResponse{}, err
	}
	out.TaskID = strings.TrimSpace(out.TaskID)
	if out.TaskID == "" {
		c.metrics.ObserveRequestError("create task")
		return tasks.CreateResponse{}, errors.New("create task: response carried no task_id")
	}
	return out, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]tasks.Task, error) {
	var out struct {
		Tasks []tasks.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	if err := c.do(ctx, "list tasks", http.MethodGet, "/tasks", nil, &out); err != nil {
		return nil, err
	}
	if out.Tasks == nil {
		out.Tasks = []tasks.Task{}
	}
	return out.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	var out struct {
		Task tasks.Task `json:"task"`
	}
	if err := c.do(ctx, "get task", http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return tasks.Task{}, err
	}
	return out.Task, nil
}

func (c *Client) GetTaskResult(ctx context.Context, taskID string) (tasks.Result, error) {
	var out tasks.Result
	if err := c.do(ctx, "get task result", http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/result", nil, &out); err != nil {
		return tasks.Result{}, err
	}
	return out, nil
}

func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, "cancel task", http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	res, err := c.client.Do(req)
	if err != nil {
		c.metrics.ObserveRequestError(op)
		c.logger.Warn("request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%s: send request: %w", op, err)
	}
	defer res.Body.Close()

	c.logger.Debug("request done",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.metrics.ObserveRequestError(op)
		return &Error{Op: op, Status: res.StatusCode, Message: errorMessage(res.StatusCode, raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		c.metrics.ObserveRequestError(op)
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage prefers a JSON {"error": ...} body, then plain text, then the
// status text. Credentials echoed by the server are masked.
func errorMessage(status int, raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		msg, _ := policy.RedactSecrets(strings.TrimSpace(payload.Error))
		return msg
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		msg, _ := policy.RedactSecrets(text)
		return msg
	}
	return http.StatusText(status)
}
