// Package manualtask talks to the task management service in which operators
// follow up permanent errors.
package manualtask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for task management failures.
var (
	ErrUnavailable = errors.New("task management unavailable")
	ErrTimeout     = errors.New("task management timeout")
	ErrRejected    = errors.New("task management rejected request")
)

// Client creates and closes remote tasks.
type Client interface {
	// CreateTask creates or updates the task with task.ID.
	CreateTask(ctx context.Context, task Task) error
	// CloseTask closes the task. A task that no longer exists counts as closed.
	CloseTask(ctx context.Context, taskID uuid.UUID) error
}

const (
	tasksEndpoint      = "/api/tasks"
	taskConfigEndpoint = "/api/task-configs"
)

// HTTPClient implements Client using the task management REST API.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu              sync.Mutex
	pendingTypes    []TaskType
	typesRegistered bool
}

// NewHTTPClient creates a client that registers taskTypes before the first
// task is created.
func NewHTTPClient(baseURL, username, password string, timeout time.Duration, taskTypes ...TaskType) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		username:     username,
		password:     password,
		client:       &http.Client{Timeout: timeout},
		pendingTypes: taskTypes,
	}
}

func (c *HTTPClient) CreateTask(ctx context.Context, task Task) error {
	if err := c.ensureTaskTypes(ctx); err != nil {
		return err
	}

	u := fmt.Sprintf("%s%s/%s", c.baseURL, tasksEndpoint, url.PathEscape(task.ID.String()))
	resp, err := c.put(ctx, u, task)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", task.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("creating task %s: %w: status %d", task.ID, ErrRejected, resp.StatusCode)
	}
	slog.Info("manual task created", "task_id", task.ID, "service", task.Service)
	return nil
}

func (c *HTTPClient) CloseTask(ctx context.Context, taskID uuid.UUID) error {
	u := fmt.Sprintf("%s%s/%s/state", c.baseURL, tasksEndpoint, url.PathEscape(taskID.String()))
	resp, err := c.put(ctx, u, taskState{State: TaskStatusClosed})
	if err != nil {
		return fmt.Errorf("closing task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		slog.Warn("manual task no longer exists, treating as closed", "task_id", taskID)
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("closing task %s: %w: status %d", taskID, ErrRejected, resp.StatusCode)
	}
	slog.Info("manual task closed", "task_id", taskID)
	return nil
}

// ensureTaskTypes registers the pending task types once. A failed attempt
// is retried on the next task creation.
func (c *HTTPClient) ensureTaskTypes(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typesRegistered || len(c.pendingTypes) == 0 {
		return nil
	}

	resp, err := c.put(ctx, c.baseURL+taskConfigEndpoint, c.pendingTypes)
	if err != nil {
		return fmt.Errorf("registering task types: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registering task types: %w: status %d", ErrRejected, resp.StatusCode)
	}
	c.typesRegistered = true
	slog.Info("task types registered", "count", len(c.pendingTypes))
	return nil
}

func (c *HTTPClient) put(ctx context.Context, u string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	slog.Debug("task management request", "method", req.Method, "url", u)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// DisabledClient accepts every call without contacting anything. It is used
// when task management is switched off.
type DisabledClient struct{}

func (DisabledClient) CreateTask(_ context.Context, task Task) error {
	slog.Info("task management disabled, task not created", "task_id", task.ID)
	return nil
}

func (DisabledClient) CloseTask(_ context.Context, taskID uuid.UUID) error {
	slog.Info("task management disabled, task not closed", "task_id", taskID)
	return nil
}

var (
	_ Client = (*HTTPClient)(nil)
	_ Client = DisabledClient{}
)
