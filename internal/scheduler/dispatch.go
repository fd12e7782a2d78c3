package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

// WorkerClient pushes task commands to a worker's task listener.
type WorkerClient interface {
	// StartTask asks the worker at addr to begin executing task.
	StartTask(ctx context.Context, addr string, task *model.Task) error
	// KillTask asks the worker at addr to kill a running task.
	KillTask(ctx context.Context, addr, taskID string) error
}

// HTTPWorkerClient is the production WorkerClient over HTTP.
type HTTPWorkerClient struct {
	httpClient *http.Client
}

// NewHTTPWorkerClient creates a WorkerClient with connection pooling.
func NewHTTPWorkerClient() *HTTPWorkerClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPWorkerClient{
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}
}

func (c *HTTPWorkerClient) StartTask(ctx context.Context, addr string, task *model.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	url := "http://" + addr + "/tasks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("start task on %s: %w", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("start task on %s: status %d", addr, resp.StatusCode)
	}
	return nil
}

func (c *HTTPWorkerClient) KillTask(ctx context.Context, addr, taskID string) error {
	url := "http://" + addr + "/tasks/" + taskID + "/kill"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kill task on %s: %w", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("kill task on %s: status %d", addr, resp.StatusCode)
	}
	return nil
}
