// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor is the client for the distributed task executor. Only
// the submit/status/result contract is consumed here; scheduling, worker
// registration, and task placement live in the executor service itself.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds individual executor API calls.
const DefaultRequestTimeout = 30 * time.Second

// ErrInvalidInput is returned for malformed client arguments.
var ErrInvalidInput = errors.New("invalid input")

// ErrTaskNotFound is returned when the executor does not know the task id.
var ErrTaskNotFound = errors.New("task not found")

// TaskState is the executor-side lifecycle of one dispatched task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the task will not change state again.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task describes one unit of stage work submitted for remote execution.
type Task struct {
	// PipelineID ties the task back to the pipeline run that spawned it.
	PipelineID string `json:"pipeline_id"`

	// Stage names the pipeline stage this task executes.
	Stage string `json:"stage"`

	// Commands are executed in order inside the worker's sandbox.
	Commands []string `json:"commands"`

	// Env is merged into the worker's environment.
	Env map[string]string `json:"env,omitempty"`

	// Priority orders queued tasks; higher runs first.
	Priority int `json:"priority,omitempty"`

	// TimeoutSeconds bounds the task on the worker. Zero means the
	// executor's default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// TaskStatus is the executor's view of a submitted task.
type TaskStatus struct {
	ID         string    `json:"id"`
	State      TaskState `json:"state"`
	WorkerID   string    `json:"worker_id,omitempty"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// TaskResult is the outcome of a finished task.
type TaskResult struct {
	ID       string        `json:"id"`
	State    TaskState     `json:"state"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Worker describes one registered executor worker node.
type Worker struct {
	ID          string    `json:"id"`
	Hostname    string    `json:"hostname"`
	Capacity    int       `json:"capacity"`
	ActiveTasks int       `json:"active_tasks"`
	LastSeen    time.Time `json:"last_seen"`
}

// Client talks to the distributed executor's REST API.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the executor at baseURL
// (e.g. "http://executor:9090"). The API key may be empty for
// unauthenticated deployments.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout,
		},
	}
}

// WithTimeout sets a custom timeout for executor requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type submitResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// Submit dispatches a task and returns its executor-assigned id.
func (c *Client) Submit(ctx context.Context, task Task) (string, error) {
	if ctx == nil {
		return "", ErrInvalidInput
	}
	if task.PipelineID == "" {
		return "", fmt.Errorf("%w: pipeline id is empty", ErrInvalidInput)
	}
	if len(task.Commands) == 0 {
		return "", fmt.Errorf("%w: no commands", ErrInvalidInput)
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", task, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("executor returned no task id")
	}
	return resp.ID, nil
}

// Status returns the current state of a submitted task.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is empty", ErrInvalidInput)
	}

	var status TaskStatus
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Result returns the outcome of a finished task. Calling it on a task
// that is still queued or running is an error.
func (c *Client) Result(ctx context.Context, taskID string) (*TaskResult, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id is empty", ErrInvalidInput)
	}

	var result TaskResult
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID+"/result", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Await polls the executor until the task reaches a terminal state, then
// returns its result. Poll cadence is fixed; the context bounds the wait.
func (c *Client) Await(ctx context.Context, taskID string, poll time.Duration) (*TaskResult, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if status.State.Terminal() {
			return c.Result(ctx, taskID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Workers lists the executor's registered worker nodes.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}

	var workers []Worker
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// Health checks whether the executor is reachable and ready.
func (c *Client) Health(ctx context.Context) error {
	if ctx == nil {
		return ErrInvalidInput
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return err
	}
	if health.Status != "ok" {
		return fmt.Errorf("executor not ready: %s", health.Status)
	}
	return nil
}

// do performs one JSON request/response exchange against the executor.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		raw, _ := io.ReadAll(resp.Body)
		if jerr := json.Unmarshal(raw, &apiErr); jerr == nil && apiErr.Error != "" {
			return fmt.Errorf("executor returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("executor returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
