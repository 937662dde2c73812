package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"carbon-price-collector/internal/model"
	"carbon-price-collector/internal/scheduler"
)

// ErrNotFound is returned for a 404 from the collector.
var ErrNotFound = errors.New("not found")

// Client calls a running collector's status API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for baseURL (e.g. http://127.0.0.1:8089).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

// Status returns whether the scheduler runs plus its tasks.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Tasks lists the task snapshots.
func (c *Client) Tasks(ctx context.Context) ([]scheduler.TaskSnapshot, error) {
	var out []scheduler.TaskSnapshot
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &out)
	return out, err
}

// SetTaskEnabled toggles a task remotely.
func (c *Client) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// Execute runs a task on the collector and waits for its result.
func (c *Client) Execute(ctx context.Context, id string) (ExecuteResponse, error) {
	var out ExecuteResponse
	err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/execute", nil, &out)
	return out, err
}

// ExecuteAll runs every enabled task sequentially on the collector.
func (c *Client) ExecuteAll(ctx context.Context) ([]model.TaskExecutionResult, error) {
	var out []model.TaskExecutionResult
	err := c.do(ctx, http.MethodPost, "/api/run-all", nil, &out)
	return out, err
}

// History fetches recent execution results.
func (c *Client) History(ctx context.Context, taskID string, limit int) ([]model.TaskExecutionResult, error) {
	q := url.Values{}
	if taskID != "" {
		q.Set("taskId", taskID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []model.TaskExecutionResult
	err := c.do(ctx, http.MethodGet, "/api/history", q, &out)
	return out, err
}

// Health fetches the aggregate health report. An unhealthy report is not an error.
func (c *Client) Health(ctx context.Context) (scheduler.HealthReport, error) {
	var out scheduler.HealthReport
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	return out, err
}

// Stop asks the collector to stop its scheduler.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/scheduler/stop", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, apiError(body))
	}
	// /api/health answers 503 with a full report when unhealthy.
	if resp.StatusCode >= 300 && !(resp.StatusCode == http.StatusServiceUnavailable && path == "/api/health") {
		return fmt.Errorf("%s %s 响应码异常 (%d): %s", method, path, resp.StatusCode, apiError(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
