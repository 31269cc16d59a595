package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a thin Go SDK over the Valka REST surface.
type Client struct {
	baseURL string
	opts    *options
}

// New creates a new Client.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	// Ensure URL doesn't have trailing slash for consistency
	baseURL = strings.TrimSuffix(baseURL, "/")

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Client{baseURL: baseURL, opts: o}, nil
}

// Task mirrors the server's task resource.
type Task struct {
	ID             string          `json:"id"`
	QueueName      string          `json:"queue_name"`
	PartitionID    int32           `json:"partition_id"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int32           `json:"priority"`
	MaxRetries     int32           `json:"max_retries"`
	AttemptCount   int32           `json:"attempt_count"`
	TimeoutSeconds int32           `json:"timeout_seconds"`
	Status         string          `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TaskRun mirrors one execution attempt.
type TaskRun struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	AttemptNumber  int32           `json:"attempt_number"`
	WorkerID       string          `json:"worker_id"`
	Status         string          `json:"status"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// CreateTaskRequest is the task creation payload.
type CreateTaskRequest struct {
	Queue          string          `json:"queue"`
	Name           string          `json:"name"`
	Input          json.RawMessage `json:"input,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Priority       int32           `json:"priority,omitempty"`
	MaxRetries     int32           `json:"max_retries,omitempty"`
	TimeoutSeconds int32           `json:"timeout_seconds,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
}

// APIError is a structured error response from the server.
type APIError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// CreateTask submits a new task. Resubmitting with the same idempotency key
// returns the original task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask retrieves a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask cancels a task and returns it in its new status.
func (c *Client) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasksResponse is the task listing payload.
type ListTasksResponse struct {
	Tasks []Task `json:"tasks"`
	Count int    `json:"count"`
}

// ListTasks lists tasks, optionally filtered by queue and status.
func (c *Client) ListTasks(ctx context.Context, queue, status string) (*ListTasksResponse, error) {
	path := "/api/v1/tasks?"
	if queue != "" {
		path += "queue=" + queue + "&"
	}
	if status != "" {
		path += "status=" + status
	}
	var out ListTasksResponse
	if err := c.do(ctx, http.MethodGet, strings.TrimSuffix(path, "&"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns a task's attempt history.
func (c *Client) ListRuns(ctx context.Context, taskID string) ([]TaskRun, error) {
	var out struct {
		Runs []TaskRun `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID+"/runs", nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// LogEntry is one worker-emitted log line.
type LogEntry struct {
	TaskRunID string          `json:"task_run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ListLogs returns a task's log entries, latest run by default.
func (c *Client) ListLogs(ctx context.Context, taskID string) ([]LogEntry, error) {
	var out struct {
		Logs []LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID+"/logs", nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// SendSignalResponse reports where the signal landed.
type SendSignalResponse struct {
	SignalID  string `json:"signal_id"`
	Delivered bool   `json:"delivered"`
}

// SendSignal sends an out-of-band signal to a running task.
func (c *Client) SendSignal(ctx context.Context, taskID, name string, payload json.RawMessage) (*SendSignalResponse, error) {
	body := map[string]any{"name": name}
	if payload != nil {
		body["payload"] = payload
	}
	var out SendSignalResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/signals", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.opts.apply(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: failed to decode response: %w", err)
	}
	return nil
}
