package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/me/dispatchd/pkg/model"
)

// Client communicates with the scheduler API on behalf of a worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a scheduler API client with connection pooling.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: transport,
		},
		logger: logger,
	}
}

// envelope is the scheduler API response envelope.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *model.APIError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return resp.StatusCode, env.Error
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode data: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Heartbeat sends one heartbeat. A nil response with nil error means the
// scheduler chose not to answer (it considers this instance superseded).
func (c *Client) Heartbeat(ctx context.Context, req model.HeartbeatRequest) (*model.HeartbeatResponse, error) {
	var resp model.HeartbeatResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/workers/heartbeat", req, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &resp, nil
}

// ReportRunningTasks reports the tasks this worker is executing and
// returns the ids the scheduler wants killed.
func (c *Client) ReportRunningTasks(ctx context.Context, info model.WorkerInfo, tasks []model.RunningTask) ([]string, error) {
	report := model.RunningTasksReport{Worker: info, Tasks: tasks}
	var ack model.RunningTasksAck
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/workers/"+info.Shard+"/tasks", report, &ack); err != nil {
		return nil, err
	}
	return ack.TasksToKill, nil
}

// ReportTaskStatus reports a task's terminal state to the scheduler.
func (c *Client) ReportTaskStatus(ctx context.Context, taskID string, state model.TaskState, exitCode *int) error {
	body := map[string]any{"state": state, "exit_code": exitCode}
	_, err := c.do(ctx, http.MethodPut, "/api/v1/tasks/"+taskID+"/status", body, nil)
	return err
}
